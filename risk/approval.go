package risk

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/tradeflow"
	"go.jetify.com/typeid"
)

// ResponseKind is what a human may answer to an approval request.
type ResponseKind string

const (
	Approve ResponseKind = "approve"
	Reject  ResponseKind = "reject"
	Modify  ResponseKind = "modify"
)

// AllowedResponses is the closed set of answers to an approval request.
var AllowedResponses = []ResponseKind{Approve, Reject, Modify}

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusModified Status = "modified"
)

// ApprovalRequest is surfaced to a human when an action needs a decision.
type ApprovalRequest struct {
	ID               string         `json:"request_id"`
	RunID            string         `json:"run_id"`
	Action           ProposedAction `json:"proposed_action"`
	Metrics          Metrics        `json:"risk_metrics"`
	Reasons          []Reason       `json:"reasons"`
	AllowedResponses []ResponseKind `json:"allowed_responses"`
	CreatedAt        time.Time      `json:"created_at"`
}

// NewRequestID returns a new approval request id, e.g.
// apr_01h455vb4pex5vsknk084sn02q.
func NewRequestID() string {
	id, err := typeid.WithPrefix("apr")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewRequest builds the approval request for an evaluation that needs one.
func NewRequest(runID string, eval Evaluation, at time.Time) *ApprovalRequest {
	return &ApprovalRequest{
		ID:               NewRequestID(),
		RunID:            runID,
		Action:           eval.Action,
		Metrics:          eval.Metrics,
		Reasons:          slices.Clone(eval.Reasons),
		AllowedResponses: slices.Clone(AllowedResponses),
		CreatedAt:        at,
	}
}

// DecodeRequest converts a suspension payload back into a request. Payloads
// read from a checkpoint arrive as generic JSON values.
func DecodeRequest(payload any) (*ApprovalRequest, error) {
	switch p := payload.(type) {
	case *ApprovalRequest:
		return p, nil
	case ApprovalRequest:
		return &p, nil
	case nil:
		return nil, fmt.Errorf("no approval request in payload")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var req ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode approval request: %w", err)
	}
	if req.ID == "" {
		return nil, fmt.Errorf("payload is not an approval request")
	}
	return &req, nil
}

// ApprovalResponse is a human's answer to a request.
type ApprovalResponse struct {
	RequestID string          `json:"request_id"`
	Kind      ResponseKind    `json:"kind"`
	Modified  *ProposedAction `json:"modified_action,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Comment   string          `json:"comment,omitempty"`
}

// Resolution is the terminal outcome of an approval cycle. It is the
// payload delivered to the suspended run.
type Resolution struct {
	RequestID string           `json:"request_id"`
	Status    Status           `json:"status"`
	Response  ApprovalResponse `json:"response"`

	// Execute is true when the run should place Action.
	Execute bool           `json:"execute"`
	Action  ProposedAction `json:"action"`

	// Reevaluation holds the result of checking a modified action.
	Reevaluation *Evaluation `json:"reevaluation,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	ResolvedAt   time.Time   `json:"resolved_at"`
}

type entry struct {
	request    *ApprovalRequest
	status     Status
	resolution *Resolution
}

// Ledger tracks approval requests and resolves each exactly once.
type Ledger struct {
	policy Policy
	clock  func() time.Time
	logger *slog.Logger

	mutex   sync.Mutex
	entries map[string]*entry
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock sets the ledger's time source.
func WithClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.clock = clock
	}
}

// WithLogger sets the ledger's logger.
func WithLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// NewLedger returns an empty ledger that re-evaluates modified actions
// against policy.
func NewLedger(policy Policy, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		policy:  policy,
		clock:   time.Now,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		entries: map[string]*entry{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Track registers a pending request. Tracking a known id is a no-op.
func (l *Ledger) Track(req *ApprovalRequest) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if _, ok := l.entries[req.ID]; ok {
		return
	}
	l.entries[req.ID] = &entry{request: req, status: StatusPending}
	l.logger.Info("approval requested", "request_id", req.ID, "run_id", req.RunID, "action", req.Action.String())
}

// Status returns the state of a request.
func (l *Ledger) Status(requestID string) (Status, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	e, ok := l.entries[requestID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Request returns a tracked request.
func (l *Ledger) Request(requestID string) (*ApprovalRequest, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	e, ok := l.entries[requestID]
	if !ok {
		return nil, false
	}
	return e.request, true
}

// Resolution returns the outcome of a resolved request.
func (l *Ledger) Resolution(requestID string) (*Resolution, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	e, ok := l.entries[requestID]
	if !ok || e.resolution == nil {
		return nil, false
	}
	return e.resolution, true
}

// Pending returns the unresolved requests, oldest first.
func (l *Ledger) Pending() []*ApprovalRequest {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	var out []*ApprovalRequest
	for _, e := range l.entries {
		if e.status == StatusPending {
			out = append(out, e.request)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve applies the first valid response to a pending request. Responses
// to unknown or already resolved requests return a
// *tradeflow.StaleApprovalError and change nothing. A malformed response
// returns a *tradeflow.ValidationError and leaves the request pending.
//
// A modify response is checked against the policy once more. If the
// modified action still breaches a limit it is rejected rather than sent
// back for another approval.
func (l *Ledger) Resolve(resp ApprovalResponse) (*Resolution, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	e, ok := l.entries[resp.RequestID]
	if !ok {
		return nil, &tradeflow.StaleApprovalError{RequestID: resp.RequestID, Reason: "unknown request"}
	}
	if e.status != StatusPending {
		return nil, &tradeflow.StaleApprovalError{
			RunID:     e.request.RunID,
			RequestID: resp.RequestID,
			Reason:    "request already " + string(e.status),
		}
	}

	res := &Resolution{RequestID: resp.RequestID, Response: resp, ResolvedAt: l.clock()}
	switch resp.Kind {
	case Approve:
		if blocked(e.request.Reasons) {
			res.Status = StatusRejected
			res.Reason = "risk ceiling breached; approval cannot release the order"
			break
		}
		res.Status = StatusApproved
		res.Execute = true
		res.Action = e.request.Action
	case Reject:
		res.Status = StatusRejected
		res.Reason = "rejected by reviewer"
		if resp.Comment != "" {
			res.Reason += ": " + resp.Comment
		}
	case Modify:
		if resp.Modified == nil {
			return nil, &tradeflow.ValidationError{Field: "modified_action", Reason: "modify requires a replacement action"}
		}
		if err := resp.Modified.Validate(); err != nil {
			return nil, &tradeflow.ValidationError{Field: "modified_action", Reason: err.Error()}
		}
		metrics := e.request.Metrics
		metrics.Notional = 0
		if e.request.Action.Notional() > 0 {
			metrics.PositionWeight *= resp.Modified.Notional() / e.request.Action.Notional()
		}
		eval := Evaluate(*resp.Modified, metrics, l.policy)
		res.Status = StatusModified
		res.Reevaluation = &eval
		res.Action = *resp.Modified
		if eval.AutoApproved() {
			res.Execute = true
		} else {
			res.Reason = "modified action still breaches limits: " + eval.Summary()
		}
	default:
		return nil, &tradeflow.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown response %q", resp.Kind)}
	}

	e.status = res.Status
	e.resolution = res
	l.logger.Info("approval resolved",
		"request_id", resp.RequestID,
		"status", res.Status,
		"execute", res.Execute,
		"actor", resp.Actor)
	return res, nil
}

func blocked(reasons []Reason) bool {
	return slices.ContainsFunc(reasons, func(r Reason) bool { return r.Code == ReasonBlocked })
}
