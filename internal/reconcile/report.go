package reconcile

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/JonMunkholm/protosync/internal/maintenance"
	"github.com/JonMunkholm/protosync/internal/store"
)

// RunReport summarizes one reconciliation run. In a dry run Inserted,
// Updated and FieldsModified are the planned numbers.
type RunReport struct {
	RunID      string    `json:"run_id"`
	DryRun     bool      `json:"dry_run"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`

	Rows           int   `json:"rows"`
	Inserted       int   `json:"inserted"`
	Updated        int   `json:"updated"`
	FieldsModified int   `json:"fields_modified"`
	Unchanged      int   `json:"unchanged"`
	Skipped        int   `json:"skipped"`
	Duplicates     int   `json:"duplicates"`
	RaceSkipped    int   `json:"race_skipped"`
	Timeouts       int   `json:"timeouts"`
	Errors         int   `json:"errors"`
	Fallbacks      int   `json:"fallbacks"`
	TotalAfter     int64 `json:"total_after"`

	Collisions    []Collision  `json:"collisions,omitempty"`
	SkippedRows   []Skip       `json:"skipped_rows,omitempty"`
	DuplicateRows []Duplicate  `json:"duplicate_rows,omitempty"`
	ErrorSamples  []ErrorEntry `json:"error_samples,omitempty"`

	Repair      *maintenance.RepairReport `json:"repair,omitempty"`
	RepairError string                    `json:"repair_error,omitempty"`
}

// Duration returns how long the run took.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *RunReport) applyPlan(p *Plan, samples int) {
	r.Unchanged = len(p.Unchanged)
	r.Skipped = len(p.Skipped)
	r.Duplicates = len(p.Duplicates)
	r.SkippedRows = p.Skipped[:min(samples, len(p.Skipped))]
	r.DuplicateRows = p.Duplicates[:min(samples, len(p.Duplicates))]
}

func (r *RunReport) entry() store.RunEntry {
	return store.RunEntry{
		ID:             r.RunID,
		Kind:           store.RunKindReconcile,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		DryRun:         r.DryRun,
		Status:         r.Status,
		Inserted:       r.Inserted,
		Updated:        r.Updated,
		FieldsModified: r.FieldsModified,
		Unchanged:      r.Unchanged,
		Skipped:        r.Skipped,
		Duplicates:     r.Duplicates,
		Errors:         r.Errors,
		TotalAfter:     r.TotalAfter,
		Message:        r.Message,
	}
}

// WriteText renders the report for a terminal.
func (r *RunReport) WriteText(w io.Writer) error {
	title := "Reconcile run"
	insertLabel, updateLabel := "Inserted:", "Updated:"
	if r.DryRun {
		title += " (dry run, nothing written)"
		insertLabel, updateLabel = "Would insert:", "Would update:"
	}
	if _, err := fmt.Fprintf(w, "%s\n\n", title); err != nil {
		return err
	}

	total := strconv.FormatInt(r.TotalAfter, 10)
	if r.TotalAfter < 0 {
		total = "unknown"
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run ID:\t%s\n", r.RunID)
	fmt.Fprintf(tw, "Source:\t%s\n", r.Source)
	fmt.Fprintf(tw, "Status:\t%s\n", r.Status)
	if r.Message != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", r.Message)
	}
	fmt.Fprintf(tw, "Rows:\t%d\n", r.Rows)
	fmt.Fprintf(tw, "%s\t%d\n", insertLabel, r.Inserted)
	fmt.Fprintf(tw, "%s\t%d\n", updateLabel, r.Updated)
	fmt.Fprintf(tw, "Fields modified:\t%d\n", r.FieldsModified)
	fmt.Fprintf(tw, "Unchanged:\t%d\n", r.Unchanged)
	fmt.Fprintf(tw, "Skipped:\t%d\n", r.Skipped)
	fmt.Fprintf(tw, "Duplicates in batch:\t%d\n", r.Duplicates)
	if !r.DryRun {
		fmt.Fprintf(tw, "Already present:\t%d\n", r.RaceSkipped)
		fmt.Fprintf(tw, "Errors:\t%d\n", r.Errors)
	}
	fmt.Fprintf(tw, "Total after:\t%s\n", total)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Collisions) > 0 {
		rows := make([][]string, len(r.Collisions))
		for i, c := range r.Collisions {
			rows[i] = []string{string(c.Key), c.KeptID, strings.Join(c.DroppedIDs, ",")}
		}
		if err := writeTable(w, "Stored key collisions", []string{"KEY", "KEPT", "IGNORED"}, rows); err != nil {
			return err
		}
	}

	if len(r.DuplicateRows) > 0 {
		rows := make([][]string, len(r.DuplicateRows))
		for i, d := range r.DuplicateRows {
			rows[i] = []string{strconv.Itoa(d.Line), string(d.Key), strconv.Itoa(d.FirstLine)}
		}
		if err := writeTable(w, "Duplicates in batch", []string{"LINE", "KEY", "FIRST LINE"}, rows); err != nil {
			return err
		}
	}

	if len(r.SkippedRows) > 0 {
		rows := make([][]string, len(r.SkippedRows))
		for i, s := range r.SkippedRows {
			rows[i] = []string{strconv.Itoa(s.Line), s.Reason}
		}
		if err := writeTable(w, "Skipped rows", []string{"LINE", "REASON"}, rows); err != nil {
			return err
		}
	}

	if len(r.ErrorSamples) > 0 {
		rows := make([][]string, len(r.ErrorSamples))
		for i, e := range r.ErrorSamples {
			rows[i] = []string{e.Key, e.Op, e.Code, e.Message}
		}
		if err := writeTable(w, "Errors", []string{"KEY", "OP", "CODE", "MESSAGE"}, rows); err != nil {
			return err
		}
	}

	if r.Repair != nil {
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
		if err := r.Repair.WriteText(w); err != nil {
			return err
		}
	}
	if r.RepairError != "" {
		if _, err := fmt.Fprintf(w, "\nRepair error: %s\n", r.RepairError); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(w io.Writer, title string, header []string, rows [][]string) error {
	if _, err := fmt.Fprintf(w, "\n%s:\n", title); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
