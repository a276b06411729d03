package dispatch

import (
	"encoding/json"
	"sort"
)

// FailureExitCode is recorded for every dispatcher-level failure. It is not
// a remote process exit status.
const FailureExitCode = 1

// FailureKind groups transport failures by cause.
type FailureKind int

const (
	KindUnknown FailureKind = iota
	KindConfig
	KindConnect
	KindAuth
	KindHostKey
	KindSession
)

var kindNames = map[FailureKind]string{
	KindUnknown: "unknown",
	KindConfig:  "config",
	KindConnect: "connect",
	KindAuth:    "auth",
	KindHostKey: "host-key",
	KindSession: "session",
}

func (k FailureKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Failure is the error recorded for a node the dispatcher could not run on.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil || f.Err.Error() == "" {
		return f.Kind.String() + " failure"
	}
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Outcome is the per-node result. Exactly one of the two shapes applies:
// success (Failure nil, real exit code and output) or failure (Failure set,
// ExitCode == FailureExitCode, no output).
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Failure  *Failure
}

func failed(kind FailureKind, err error) Outcome {
	return Outcome{
		ExitCode: FailureExitCode,
		Failure:  &Failure{Kind: kind, Err: err},
	}
}

// Failed reports whether the dispatcher could not run the command.
func (o Outcome) Failed() bool {
	return o.Failure != nil
}

// Message returns the failure description, or "" for successful outcomes.
func (o Outcome) Message() string {
	if o.Failure == nil {
		return ""
	}
	return o.Failure.Error()
}

type successJSON struct {
	RetCode int    `json:"ret_code"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

type failureJSON struct {
	RetCode int    `json:"ret_code"`
	Error   string `json:"error"`
	Kind    string `json:"kind"`
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.Failure != nil {
		return json.Marshal(failureJSON{
			RetCode: o.ExitCode,
			Error:   o.Failure.Error(),
			Kind:    o.Failure.Kind.String(),
		})
	}
	return json.Marshal(successJSON{
		RetCode: o.ExitCode,
		Stdout:  o.Stdout,
		Stderr:  o.Stderr,
	})
}

// Results maps the address each node was reached on to its outcome.
type Results map[string]Outcome

// Addresses returns the result keys in sorted order.
func (r Results) Addresses() []string {
	addrs := make([]string, 0, len(r))
	for a := range r {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs
}

// Failed counts the failure outcomes.
func (r Results) Failed() int {
	n := 0
	for _, o := range r {
		if o.Failed() {
			n++
		}
	}
	return n
}
