package maintenance

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

const timeLayout = "2006-01-02 15:04:05"

// WriteText renders the report for a terminal.
func (r *RepairReport) WriteText(w io.Writer) error {
	title := "Dedup repair"
	if r.DryRun {
		title += " (dry run)"
	}
	if _, err := fmt.Fprintf(w, "%s\n\n", title); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run ID:\t%s\n", r.RunID)
	fmt.Fprintf(tw, "Scanned:\t%d\n", r.Scanned)
	for _, p := range r.Passes {
		fmt.Fprintf(tw, "Groups (%s):\t%d\n", p.Pass, p.Groups)
	}
	fmt.Fprintf(tw, "Kept:\t%d\n", r.Kept)
	if r.DryRun {
		fmt.Fprintf(tw, "Would delete:\t%d\n", len(r.droppedIDs()))
	} else {
		fmt.Fprintf(tw, "Deleted:\t%d\n", r.Deleted)
	}
	fmt.Fprintf(tw, "Remaining groups:\t%d\n", r.Remaining)
	fmt.Fprintf(tw, "Total after:\t%d\n", r.TotalAfter)
	if err := tw.Flush(); err != nil {
		return err
	}

	return writeGroups(w, r.Groups)
}

// WriteText renders the report for a terminal.
func (r *UniqueReport) WriteText(w io.Writer) error {
	switch r.Status {
	case UniqueAlreadyPresent:
		_, err := fmt.Fprintln(w, "Unique constraint already present; nothing to do.")
		return err
	case UniqueCreated:
		_, err := fmt.Fprintln(w, "Unique constraint created.")
		return err
	}

	if _, err := fmt.Fprintf(w, "Unique constraint NOT created: %d duplicate groups present.\n", len(r.Groups)); err != nil {
		return err
	}
	if err := writeGroups(w, r.Groups); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nTo fix: %s\n", r.Instruction)
	return err
}

func writeGroups(w io.Writer, groups []GroupSummary) error {
	if len(groups) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PASS\tKEY\tKEPT\tLAST TOUCHED\tDROPPED")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			g.Pass,
			g.Key,
			g.KeptID,
			g.KeptTouched.UTC().Format(timeLayout),
			strings.Join(g.DroppedIDs, ","),
		)
	}
	return tw.Flush()
}
