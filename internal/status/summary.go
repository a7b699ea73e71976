package status

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/specterops/dirhound/internal/utils"
	"github.com/specterops/dirhound/pkg/kinds"
)

// OutcomeTable returns the task/outcome/count rows of the sink, header first.
func OutcomeTable(sink *Sink) pterm.TableData {
	data := pterm.TableData{{"Task", "Outcome", "Hosts"}}
	counts := sink.Counts()
	for _, task := range sink.Tasks() {
		outcomes := make([]string, 0, len(counts[task]))
		for outcome := range counts[task] {
			outcomes = append(outcomes, outcome)
		}
		sort.Strings(outcomes)
		for _, outcome := range outcomes {
			data = append(data, []string{task, outcome, strconv.Itoa(counts[task][outcome])})
		}
	}
	return data
}

// RecordTable returns the per-kind record counts, header first.
func RecordTable(records map[kinds.Kind]int) pterm.TableData {
	data := pterm.TableData{{"Type", "Records"}}
	total := 0
	for _, k := range kinds.AllKinds() {
		n := records[k]
		total += n
		data = append(data, []string{k.String(), strconv.Itoa(n)})
	}
	data = append(data, []string{"Total", strconv.Itoa(total)})
	return data
}

// PrintFinalSummary prints the final summary.
func PrintFinalSummary(w io.Writer, sink *Sink, records map[kinds.Kind]int, artifact string, elapsed time.Duration) error {
	var sb strings.Builder
	sb.WriteString("\n" + strings.Repeat("─", 60) + "\n")
	sb.WriteString("                    COLLECTION COMPLETE\n")
	sb.WriteString(strings.Repeat("─", 60) + "\n")

	table, err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(RecordTable(records)).Srender()
	if err != nil {
		return err
	}
	sb.WriteString(table + "\n")

	if sink != nil && sink.Total() > 0 {
		table, err = pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(OutcomeTable(sink)).Srender()
		if err != nil {
			return err
		}
		sb.WriteString(table + "\n")
		if sink.Path() != "" {
			sb.WriteString("  Status:   " + sink.Path() + "\n")
		}
	}

	if artifact != "" {
		sb.WriteString("  Output:   " + artifact + "\n")
	}
	sb.WriteString("  Duration: " + utils.DeltaTime(elapsed) + "\n")
	sb.WriteString(strings.Repeat("─", 60) + "\n")

	_, err = fmt.Fprint(w, sb.String())
	return err
}
