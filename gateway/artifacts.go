package gateway

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/perfgo/loadrun/model"
	"github.com/perfgo/loadrun/runerr"
)

// Report types generated by the service.
const (
	ReportTypeCSV = "csv"
	ReportTypePDF = "pdf"
)

// ReportFileName is the file name of a generated report.
func ReportFileName(tenant string, runID int, reportType string) string {
	return fmt.Sprintf("lrc_report_%s-%d.%s", tenant, runID, reportType)
}

// TransactionsFileName is the file name of the transactions table.
func TransactionsFileName(tenant string, runID int) string {
	return fmt.Sprintf("lrc_report_trans_%s-%d.csv", tenant, runID)
}

// SummaryFileName is the file name of the run results summary.
func SummaryFileName(tenant string, runID int) string {
	return fmt.Sprintf("lrc_report_summary_%s-%d.json", tenant, runID)
}

// ListArtifacts confirms the service has results for the run and names the
// files that can be fetched for it, in the order they should be written.
func (c *Client) ListArtifacts(ctx context.Context, h model.RunHandle) ([]model.ArtifactRef, error) {
	if _, err := c.results(ctx, h); err != nil {
		return nil, err
	}

	refs := []model.ArtifactRef{{
		Name: SummaryFileName(c.tenant, h.RunID),
		Kind: model.ArtifactKindSummary,
		Run:  h,
	}}
	for _, t := range c.reportTypes {
		refs = append(refs, model.ArtifactRef{
			Name:       ReportFileName(c.tenant, h.RunID, t),
			Kind:       model.ArtifactKindReport,
			ReportType: t,
			Run:        h,
		})
	}
	refs = append(refs, model.ArtifactRef{
		Name: TransactionsFileName(c.tenant, h.RunID),
		Kind: model.ArtifactKindTransactions,
		Run:  h,
	})
	return refs, nil
}

// FetchArtifact returns the content of one file listed by ListArtifacts.
func (c *Client) FetchArtifact(ctx context.Context, ref model.ArtifactRef) ([]byte, error) {
	switch ref.Kind {
	case model.ArtifactKindSummary:
		return c.results(ctx, ref.Run)
	case model.ArtifactKindTransactions:
		return c.transactionsCSV(ctx, ref.Run)
	case model.ArtifactKindReport:
		return c.report(ctx, ref)
	default:
		return nil, fmt.Errorf("unsupported artifact %s: %w", ref.Name, runerr.ErrFatal)
	}
}

// results returns the run results summary as sent by the service.
func (c *Client) results(ctx context.Context, h model.RunHandle) ([]byte, error) {
	path := fmt.Sprintf("v1/test-runs/%d/results", h.RunID)

	var raw json.RawMessage
	err := c.withRetry(ctx, "get results", func() error {
		return c.getJSON(ctx, path, nil, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get results of run %d: %w", h.RunID, err)
	}
	return raw, nil
}

// Transaction is one row of the run's transactions table.
type Transaction struct {
	Name          string   `json:"name"`
	ScriptID      int      `json:"loadTestScriptId"`
	ScriptName    string   `json:"scriptName"`
	Breakers      float64  `json:"breakers"`
	SLAStatus     string   `json:"slaStatus"`
	SLAThreshold  *float64 `json:"slaThreshold"`
	SLATrend      float64  `json:"slaTrend"`
	Passed        int      `json:"passed"`
	Failed        int      `json:"failed"`
	AvgTRT        float64  `json:"avgTRT"`
	MinTRT        float64  `json:"minTRT"`
	MaxTRT        float64  `json:"maxTRT"`
	PercentileTRT float64  `json:"percentileTRT"`
	StdDeviation  float64  `json:"stdDeviation"`
}

var transactionsHeader = []string{
	"Script Name", "Transaction", "%Breakers", "SLA Status", "AVG Duration", "Min", "Max",
	"STD. Deviation", "Passed", "Failed", "Percentile", "SLA Threshold", "Percentile Trend",
}

// Transactions returns the transactions table of a run.
func (c *Client) Transactions(ctx context.Context, h model.RunHandle) ([]Transaction, error) {
	path := fmt.Sprintf("v1/test-runs/%d/transactions", h.RunID)

	var txs []Transaction
	err := c.withRetry(ctx, "get transactions", func() error {
		return c.getJSON(ctx, path, nil, &txs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions of run %d: %w", h.RunID, err)
	}
	return txs, nil
}

func (c *Client) transactionsCSV(ctx context.Context, h model.RunHandle) ([]byte, error) {
	txs, err := c.Transactions(ctx, h)
	if err != nil {
		return nil, err
	}
	return WriteTransactionsCSV(txs)
}

// WriteTransactionsCSV renders transactions with a header row.
func WriteTransactionsCSV(txs []Transaction) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(transactionsHeader); err != nil {
		return nil, err
	}
	for _, tx := range txs {
		threshold := ""
		if tx.SLAThreshold != nil {
			threshold = formatFloat(*tx.SLAThreshold)
		}
		row := []string{
			tx.ScriptName,
			tx.Name,
			formatFloat(tx.Breakers),
			tx.SLAStatus,
			formatFloat(tx.AvgTRT),
			formatFloat(tx.MinTRT),
			formatFloat(tx.MaxTRT),
			formatFloat(tx.StdDeviation),
			strconv.Itoa(tx.Passed),
			strconv.Itoa(tx.Failed),
			formatFloat(tx.PercentileTRT),
			threshold,
			formatFloat(tx.SLATrend),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to write transactions csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// report requests generation of a report and waits until it can be
// downloaded.
func (c *Client) report(ctx context.Context, ref model.ArtifactRef) ([]byte, error) {
	id, err := c.requestReport(ctx, ref.Run, ref.ReportType)
	if err != nil {
		return nil, err
	}

	tries := c.reportTries[ref.ReportType]
	if tries <= 0 {
		tries = 1
	}

	logger := c.logger.With().
		Int("run", ref.Run.RunID).
		Int("report", id).
		Str("type", ref.ReportType).
		Logger()

	for i := 0; i < tries; i++ {
		data, ready, err := c.downloadReport(ctx, id)
		if err != nil {
			return nil, err
		}
		if ready {
			logger.Info().
				Int("bytes", len(data)).
				Msg("Downloaded report")
			return data, nil
		}

		logger.Debug().
			Int("try", i+1).
			Int("max_tries", tries).
			Msg("Report not ready yet")

		if i == tries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for report %d: %w: %w", id, runerr.ErrCanceled, ctx.Err())
		case <-time.After(c.reportInterval):
		}
	}

	return nil, fmt.Errorf("report %d (%s) not ready after %d tries: %w", id, ref.ReportType, tries, runerr.ErrArtifact)
}

func (c *Client) requestReport(ctx context.Context, h model.RunHandle, reportType string) (int, error) {
	path := fmt.Sprintf("v1/projects/%d/test-runs/%d/reports", h.ProjectID, h.RunID)
	body := map[string]string{"reportType": reportType}

	var resp struct {
		ReportID int `json:"reportId"`
	}
	err := c.withRetry(ctx, "request report", func() error {
		req, err := c.newRequest(ctx, http.MethodPost, path, nil, body)
		if err != nil {
			return err
		}
		return c.do(c.api, req, &resp)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to request %s report of run %d: %w", reportType, h.RunID, err)
	}
	if resp.ReportID <= 0 {
		return 0, fmt.Errorf("failed to request %s report of run %d: %w: no report id in response", reportType, h.RunID, runerr.ErrFatal)
	}
	return resp.ReportID, nil
}

// downloadReport returns the report content once the service answers with a
// binary body. A JSON body or a 404 means the report is still being
// generated.
func (c *Client) downloadReport(ctx context.Context, id int) ([]byte, bool, error) {
	path := fmt.Sprintf("v1/test-runs/reports/%d", id)

	var (
		data  []byte
		ready bool
	)
	err := c.withRetry(ctx, "download report", func() error {
		req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/octet-stream, application/json")

		resp, err := c.send(c.api, req)
		if err != nil {
			if isStatus(err, func(code int) bool { return code == http.StatusNotFound }) {
				ready = false
				return nil
			}
			return err
		}
		defer resp.Body.Close()

		mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		switch mediaType {
		case "application/octet-stream":
			data, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read report %d: %w: %w", id, runerr.ErrTransient, err)
			}
			ready = true
			return nil
		case "application/json":
			var msg struct {
				Message string `json:"message"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&msg)
			c.logger.Debug().
				Int("report", id).
				Str("message", msg.Message).
				Msg("Report in progress")
			ready = false
			return nil
		default:
			return fmt.Errorf("unexpected content type %q for report %d: %w", mediaType, id, runerr.ErrFatal)
		}
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to download report %d: %w", id, err)
	}
	return data, ready, nil
}
