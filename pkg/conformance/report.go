package conformance

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
)

// State is a step of the two-phase run
type State int

const (
	StateInit State = iota
	StatePhase1Running
	StatePhase1Checked
	StatePhase2Running
	StatePhase2Checked
	StateCleanup
	StateDone
)

var stateNames = [...]string{
	StateInit:          "INIT",
	StatePhase1Running: "PHASE1_RUNNING",
	StatePhase1Checked: "PHASE1_CHECKED",
	StatePhase2Running: "PHASE2_RUNNING",
	StatePhase2Checked: "PHASE2_CHECKED",
	StateCleanup:       "CLEANUP",
	StateDone:          "DONE",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// PhaseReport is what one phase observed
type PhaseReport struct {
	Name string
	URL  string
	// Completed is set when a matching done event was read
	Completed    bool
	Result       xerrors.ResultCode
	ResponseCode int
	NumConnects  int
	Reused       bool
	Failures     []string
}

// Passed reports whether the phase ran and recorded no failure
func (p *PhaseReport) Passed() bool {
	return p.Completed && len(p.Failures) == 0
}

func (p *PhaseReport) status() string {
	switch {
	case p.Passed():
		return "PASS"
	case p.URL == "":
		return "SKIPPED"
	default:
		return "FAIL"
	}
}

// Report describes one run of UpgradeRefusedReuse
type Report struct {
	Result      int
	Transitions []State
	Phase1      PhaseReport
	Phase2      PhaseReport
	// Errors holds failures that belong to no phase, such as handle
	// creation or run-loop errors
	Errors            []string
	ConnectionsOpened int64
	Duration          time.Duration
}

// Final returns the last state the run reached
func (r *Report) Final() State {
	if len(r.Transitions) == 0 {
		return StateInit
	}
	return r.Transitions[len(r.Transitions)-1]
}

// Path returns the transitions as "INIT -> PHASE1_RUNNING -> ..."
func (r *Report) Path() string {
	names := make([]string, len(r.Transitions))
	for i, s := range r.Transitions {
		names[i] = s.String()
	}
	return strings.Join(names, " -> ")
}

// WriteTable renders a per-phase summary
func (r *Report) WriteTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Phase", "URL", "Code", "Result", "New conns", "Reused", "Status"})
	table.SetAutoWrapText(false)

	for _, p := range []*PhaseReport{&r.Phase1, &r.Phase2} {
		table.Append([]string{
			p.Name,
			p.URL,
			strconv.Itoa(p.ResponseCode),
			p.Result.String(),
			strconv.Itoa(p.NumConnects),
			strconv.FormatBool(p.Reused),
			p.status(),
		})
	}

	verdict := "PASS"
	if r.Result != 0 {
		verdict = "FAIL"
	}
	table.SetFooter([]string{"", "", "", "", "", "total", verdict})
	table.Render()

	for _, msg := range r.failures() {
		fmt.Fprintf(w, "- %s\n", msg)
	}
}

func (r *Report) failures() []string {
	out := make([]string, 0, len(r.Errors)+len(r.Phase1.Failures)+len(r.Phase2.Failures))
	out = append(out, r.Errors...)
	for _, f := range r.Phase1.Failures {
		out = append(out, r.Phase1.Name+": "+f)
	}
	for _, f := range r.Phase2.Failures {
		out = append(out, r.Phase2.Name+": "+f)
	}
	return out
}
