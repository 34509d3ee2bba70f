package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ports"
	"github.com/olekukonko/tablewriter"
)

// Console implementa ports.Notifier y ports.Alerter.
type Console struct {
	out   io.Writer
	table bool
}

var (
	_ ports.Notifier = (*Console)(nil)
	_ ports.Alerter  = (*Console)(nil)
)

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// NotifySweep imprime el resumen del sweep en el modo configurado.
func (c *Console) NotifySweep(_ context.Context, r domain.SweepReport) error {
	now := r.StartedAt.Format("15:04:05")
	if len(r.Markets) == 0 && r.TransfersSent == 0 && r.TransfersFailed == 0 &&
		r.TransfersParked == 0 && r.Archived == 0 {
		fmt.Fprintf(c.out, "[%s] nothing to settle\n", now)
		return nil
	}

	fmt.Fprintf(c.out, "[%s] %d mkts → R:%d V:%d P:%d F:%d H:%d | transfers sent:%d failed:%d parked:%d | archived:%d (%s)\n",
		now, len(r.Markets),
		r.Count(domain.ActionResolved),
		r.Count(domain.ActionVoided),
		r.Count(domain.ActionPending),
		r.Count(domain.ActionFailed),
		r.Count(domain.ActionHalted),
		r.TransfersSent, r.TransfersFailed, r.TransfersParked, r.Archived,
		r.Duration.Round(time.Millisecond),
	)
	if c.table && len(r.Markets) > 0 {
		c.printSweepTable(r.Markets)
	}
	return nil
}

func (c *Console) printSweepTable(outcomes []domain.MarketOutcome) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Subject", "Predicate", "Action", "Result", "Measured", "Error")

	for _, o := range outcomes {
		table.Append(
			shortID(o.MarketID),
			o.Subject,
			string(o.Predicate),
			string(o.Action),
			resultLabel(o.Outcome, o.VoidReason),
			measuredLabel(o),
			compact(o.Err, 50),
		)
	}
	table.Render()
}

// Alert imprime una alerta de mercado detenido.
func (c *Console) Alert(_ context.Context, a domain.Alert) error {
	fmt.Fprintf(c.out, "[%s] *** MARKET HALTED *** %s: %s\n",
		a.At.Format("2006-01-02 15:04:05"), a.MarketID, a.Reason)
	return nil
}

// Report imprime todos los mercados con su estado, pools y dust, y la
// consistencia de cada sujeto (últimas 7 noches).
func (c *Console) Report(markets []domain.Market, consistency map[string]int) {
	if len(markets) == 0 {
		fmt.Fprintln(c.out, "no markets")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Subject", "Predicate", "Target", "Deadline", "State", "Result", "Yes", "No", "House", "Total", "Dust")
	for _, m := range markets {
		state := string(m.State)
		if m.Halted {
			state = "halted"
		}
		table.Append(
			shortID(m.ID),
			m.Subject,
			string(m.Predicate),
			domain.FormatTarget(m.Predicate, m.Target),
			m.Deadline.Format("2006-01-02 15:04"),
			state,
			resultLabel(m.Outcome, m.VoidReason),
			fmt.Sprintf("%d", m.YesPool),
			fmt.Sprintf("%d", m.NoPool),
			fmt.Sprintf("%d", m.HouseStake),
			fmt.Sprintf("%d", m.TotalPool),
			fmt.Sprintf("%d", m.Dust),
		)
	}
	table.Render()

	if len(consistency) == 0 {
		return
	}
	subjects := make([]string, 0, len(consistency))
	for s := range consistency {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	fmt.Fprintln(c.out, "  Consistency (last 7 nights, 50 = not enough data):")
	for _, s := range subjects {
		fmt.Fprintf(c.out, "    %-20s %3d\n", s, consistency[s])
	}
}

func resultLabel(outcome domain.Direction, reason domain.VoidReason) string {
	switch {
	case outcome != "":
		return strings.ToUpper(string(outcome))
	case reason != "":
		return "void:" + string(reason)
	}
	return "-"
}

func measuredLabel(o domain.MarketOutcome) string {
	if o.Action != domain.ActionResolved {
		return "-"
	}
	return domain.FormatTarget(o.Predicate, o.Measured)
}

// shortID recorta un UUID a sus primeros 8 caracteres.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func compact(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
