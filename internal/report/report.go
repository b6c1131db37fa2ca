// Package report renders the reconciled model as human- and
// machine-readable status tables.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	model "github.com/testofthings/reconciler-go/lib/model"
)

// Row is one reported entity: a host, one of its services, or a connection.
type Row struct {
	Kind      string // "host", "service" or "connection"
	Name      string
	Addresses string
	Status    model.Status
	Verdict   model.Verdict
	SeenBy    string
}

// Report is a rendered snapshot of the system's reconciliation state.
type Report struct {
	SystemName string
	Rows       []Row
}

// Build snapshots the system into report rows. Hosts come first with their
// services nested, relevant connections follow. Placeholder entities which
// never gathered evidence are left out.
func Build(system *model.System) *Report {
	r := &Report{SystemName: system.Name}

	hosts := append([]*model.Host(nil), system.Hosts...)
	sort.SliceStable(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	for _, host := range hosts {
		if host.Status == model.StatusPlaceholder {
			continue
		}
		r.Rows = append(r.Rows, Row{
			Kind:      "host",
			Name:      host.Name,
			Addresses: joinAddresses(host.AddressList()),
			Status:    host.Status,
			Verdict:   host.OverallVerdict(),
		})
		for _, svc := range host.Services {
			if svc.Status == model.StatusPlaceholder {
				continue
			}
			r.Rows = append(r.Rows, Row{
				Kind:    "service",
				Name:    "  " + svc.LongName(),
				Status:  svc.Status,
				Verdict: svc.ExpectedVerdict(),
			})
		}
		for _, data := range host.UsesData {
			r.Rows = append(r.Rows, Row{
				Kind:    "data",
				Name:    "  data " + data.Name,
				Status:  host.Status,
				Verdict: model.VerdictIncon,
			})
		}
	}

	for _, conn := range system.AllConnections() {
		if !conn.IsRelevant() {
			continue
		}
		r.Rows = append(r.Rows, Row{
			Kind:    "connection",
			Name:    conn.LongName(),
			Status:  conn.Status,
			Verdict: conn.ExpectedVerdict(),
			SeenBy:  strings.Join(conn.SeenBy, " "),
		})
	}
	return r
}

// WriteText renders the report as an aligned text table.
func (r *Report) WriteText(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "System: %s\n", r.SystemName)
	fmt.Fprintln(w, "NAME\tADDRESSES\tSTATUS\tVERDICT\tSEEN BY")
	for _, row := range r.Rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			row.Name, row.Addresses, row.Status, row.Verdict, row.SeenBy)
	}
	return w.Flush()
}

// WriteCSV renders the report as CSV with one row per entity.
func (r *Report) WriteCSV(out io.Writer) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"kind", "name", "addresses", "status", "verdict", "seen_by"}); err != nil {
		return err
	}
	for _, row := range r.Rows {
		if err := w.Write([]string{
			row.Kind, strings.TrimSpace(row.Name), row.Addresses,
			string(row.Status), string(row.Verdict), row.SeenBy,
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// Failures counts rows carrying a fail verdict.
func (r *Report) Failures() int {
	count := 0
	for _, row := range r.Rows {
		if row.Verdict == model.VerdictFail {
			count++
		}
	}
	return count
}

func joinAddresses(addresses []model.Address) string {
	parts := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if a.IsTag() {
			continue
		}
		parts = append(parts, a.String())
	}
	return strings.Join(parts, " ")
}
