package providers

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/tradeflow/signals"
	"github.com/deepnoodle-ai/tradeflow/tools"
)

// Profile fixes what the simulator reports for one symbol. Zero values are
// filled from the seeded generator.
type Profile struct {
	Price          float64
	Volume         float64
	Directions     map[signals.Category]signals.Direction
	Confidence     float64
	RiskScore      float64
	PositionWeight float64
	Volatility     float64
}

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	// Seed makes generated values reproducible.
	Seed int64

	// Profiles pins values per symbol.
	Profiles map[string]Profile

	// Budget is the order value size_position aims for when the caller does
	// not pass one. Defaults to 1,000,000.
	Budget float64

	// PortfolioValue is used to derive position weights. Defaults to
	// 50,000,000.
	PortfolioValue float64

	// FailFirst makes an operation fail as unavailable for its first n
	// calls.
	FailFirst map[string]int

	// Omit drops fields from an operation's payload to simulate incomplete
	// data.
	Omit map[string][]string

	Clock func() time.Time
}

// Order is an order accepted by the simulator.
type Order struct {
	ID       string         `json:"order_id"`
	Symbol   string         `json:"symbol"`
	Action   signals.Action `json:"action"`
	Quantity float64        `json:"quantity"`
	Price    float64        `json:"price"`
	Status   string         `json:"status"`
	FilledAt time.Time      `json:"filled_at"`
}

// Simulator is an offline market. Every value it returns is a function of
// the seed, the symbol and the operation, so results do not depend on the
// order in which parallel steps call it.
type Simulator struct {
	opts SimulatorOptions

	mutex  sync.Mutex
	calls  map[string]int
	orders []Order
}

// NewSimulator creates a Simulator.
func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.Budget <= 0 {
		opts.Budget = 1_000_000
	}
	if opts.PortfolioValue <= 0 {
		opts.PortfolioValue = 50_000_000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Simulator{opts: opts, calls: map[string]int{}}
}

// Registry returns every operation the simulator implements.
func (s *Simulator) Registry() tools.Registry {
	registry := tools.Registry{
		OpQuote:        s.wrap(OpQuote, tools.Typed(s.quote)),
		OpHistory:      s.wrap(OpHistory, tools.Typed(s.history)),
		OpFundamentals: s.wrap(OpFundamentals, tools.Typed(s.fundamentals)),
		OpNews:         s.wrap(OpNews, tools.Typed(s.news)),
		OpMacro:        s.wrap(OpMacro, tools.Typed(s.macro)),
		OpFlows:        s.wrap(OpFlows, tools.Typed(s.flows)),
		OpSizePosition: s.wrap(OpSizePosition, tools.Typed(s.sizePosition)),
		OpAssessRisk:   s.wrap(OpAssessRisk, tools.Typed(s.assessRisk)),
		OpSubmitOrder:  s.wrap(OpSubmitOrder, tools.Typed(s.submitOrder)),
	}
	for op, category := range analysisCategories {
		registry[op] = s.wrap(op, tools.Typed(s.analyzer(category)))
	}
	return registry
}

// Calls returns how often an operation has been invoked.
func (s *Simulator) Calls(operation string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.calls[operation]
}

// Orders returns the orders submitted so far.
func (s *Simulator) Orders() []Order {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return slices.Clone(s.orders)
}

var analysisCategories = map[string]signals.Category{
	OpAnalyzeTechnical:   signals.Technical,
	OpAnalyzeFundamental: signals.Fundamental,
	OpAnalyzeMacro:       signals.Macro,
	OpAnalyzeSentiment:   signals.Sentiment,
	OpAnalyzeFlow:        signals.Flow,
}

func (s *Simulator) wrap(operation string, fn tools.Func) tools.Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		s.mutex.Lock()
		s.calls[operation]++
		n := s.calls[operation]
		s.mutex.Unlock()
		if n <= s.opts.FailFirst[operation] {
			return nil, tools.Unavailable("simulated outage (call %d)", n)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		if omit := s.opts.Omit[operation]; len(omit) > 0 {
			if m, ok := result.(map[string]any); ok {
				for _, field := range omit {
					delete(m, field)
				}
			}
		}
		return result, nil
	}
}

func (s *Simulator) rng(symbol, operation string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	return rand.New(rand.NewPCG(uint64(s.opts.Seed), h.Sum64()))
}

func (s *Simulator) profile(symbol string) Profile {
	p := s.opts.Profiles[symbol]
	r := s.rng(symbol, "profile")
	if p.Price == 0 {
		p.Price = round(20+r.Float64()*480, 2)
	}
	if p.Volume == 0 {
		p.Volume = float64(100_000 + r.IntN(5_000_000))
	}
	if p.Confidence == 0 {
		p.Confidence = round(0.5+r.Float64()*0.45, 2)
	}
	if p.RiskScore == 0 {
		p.RiskScore = round(0.1+r.Float64()*0.5, 2)
	}
	if p.Volatility == 0 {
		p.Volatility = round(0.1+r.Float64()*0.4, 3)
	}
	return p
}

type symbolArgs struct {
	Symbol string `json:"symbol"`
}

func (a symbolArgs) validate() error {
	if strings.TrimSpace(a.Symbol) == "" {
		return tools.InvalidArguments("symbol is required")
	}
	return nil
}

func (s *Simulator) quote(ctx context.Context, args symbolArgs) (map[string]any, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	p := s.profile(args.Symbol)
	r := s.rng(args.Symbol, OpQuote)
	return map[string]any{
		"symbol":     args.Symbol,
		"price":      p.Price,
		"volume":     p.Volume,
		"change_pct": round(r.NormFloat64()*1.5, 2),
		"as_of":      s.opts.Clock().UTC().Format(time.RFC3339),
	}, nil
}

type historyArgs struct {
	Symbol string `json:"symbol"`
	Days   int    `json:"days"`
}

func (s *Simulator) history(ctx context.Context, args historyArgs) (map[string]any, error) {
	if err := (symbolArgs{Symbol: args.Symbol}).validate(); err != nil {
		return nil, err
	}
	if args.Days < 0 || args.Days > 365 {
		return nil, tools.InvalidArguments("days must be between 0 and 365, got %d", args.Days)
	}
	if args.Days == 0 {
		args.Days = 30
	}
	p := s.profile(args.Symbol)
	r := s.rng(args.Symbol, OpHistory)
	bars := make([]float64, args.Days)
	price := p.Price
	for i := args.Days - 1; i >= 0; i-- {
		bars[i] = round(price, 2)
		price *= 1 - r.NormFloat64()*p.Volatility/math.Sqrt(252)
	}
	return map[string]any{"symbol": args.Symbol, "bars": bars}, nil
}

func (s *Simulator) fundamentals(ctx context.Context, args symbolArgs) (map[string]any, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	r := s.rng(args.Symbol, OpFundamentals)
	return map[string]any{
		"symbol":         args.Symbol,
		"pe_ratio":       round(8+r.Float64()*32, 1),
		"revenue_growth": round(r.NormFloat64()*0.1+0.05, 3),
		"debt_to_equity": round(r.Float64()*2, 2),
	}, nil
}

func (s *Simulator) news(ctx context.Context, args symbolArgs) (map[string]any, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	return map[string]any{
		"symbol": args.Symbol,
		"headlines": []string{
			args.Symbol + " reports quarterly results",
			"Analysts revisit " + args.Symbol + " price targets",
		},
	}, nil
}

func (s *Simulator) macro(ctx context.Context, args map[string]any) (map[string]any, error) {
	r := s.rng("", OpMacro)
	return map[string]any{
		"rate":       round(2+r.Float64()*3, 2),
		"inflation":  round(1+r.Float64()*3, 2),
		"gdp_growth": round(r.NormFloat64()+2, 2),
	}, nil
}

func (s *Simulator) flows(ctx context.Context, args symbolArgs) (map[string]any, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	r := s.rng(args.Symbol, OpFlows)
	return map[string]any{
		"symbol":      args.Symbol,
		"net_flow":    round(r.NormFloat64()*1e6, 0),
		"foreign_net": round(r.NormFloat64()*5e5, 0),
	}, nil
}

var directions = []signals.Direction{
	signals.StrongNegative,
	signals.Negative,
	signals.Neutral,
	signals.Positive,
	signals.StrongPositive,
}

func (s *Simulator) analyzer(category signals.Category) func(context.Context, symbolArgs) (map[string]any, error) {
	op := "analyze_" + string(category)
	return func(ctx context.Context, args symbolArgs) (map[string]any, error) {
		if err := args.validate(); err != nil {
			return nil, err
		}
		p := s.profile(args.Symbol)
		r := s.rng(args.Symbol, op)
		direction, ok := p.Directions[category]
		if !ok {
			direction = directions[r.IntN(len(directions))]
		}
		confidence := math.Min(1, math.Max(0, round(p.Confidence+r.NormFloat64()*0.05, 2)))
		return map[string]any{
			"category":   string(category),
			"direction":  string(direction),
			"confidence": confidence,
			"rationale":  fmt.Sprintf("simulated %s view on %s", category, args.Symbol),
		}, nil
	}
}

type sizeArgs struct {
	Symbol string         `json:"symbol"`
	Action signals.Action `json:"action"`
	Price  float64        `json:"price"`
	Budget float64        `json:"budget"`
}

func (s *Simulator) sizePosition(ctx context.Context, args sizeArgs) (map[string]any, error) {
	if err := (symbolArgs{Symbol: args.Symbol}).validate(); err != nil {
		return nil, err
	}
	if args.Price <= 0 {
		return nil, tools.InvalidArguments("price must be positive")
	}
	budget := args.Budget
	if budget <= 0 {
		budget = s.opts.Budget
	}
	quantity := math.Floor(budget / args.Price)
	if quantity < 1 {
		return nil, tools.Rejected("budget %.2f buys no shares at %.2f", budget, args.Price)
	}
	return map[string]any{
		"symbol":   args.Symbol,
		"action":   string(args.Action),
		"quantity": quantity,
		"notional": round(quantity*args.Price, 2),
	}, nil
}

type riskArgs struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

func (s *Simulator) assessRisk(ctx context.Context, args riskArgs) (map[string]any, error) {
	if err := (symbolArgs{Symbol: args.Symbol}).validate(); err != nil {
		return nil, err
	}
	p := s.profile(args.Symbol)
	notional := math.Abs(args.Quantity * args.Price)
	weight := p.PositionWeight
	if weight == 0 {
		weight = round(notional/s.opts.PortfolioValue, 4)
	}
	return map[string]any{
		"risk_score":      p.RiskScore,
		"volatility":      p.Volatility,
		"position_weight": weight,
		"notional":        notional,
	}, nil
}

type orderArgs struct {
	Symbol   string         `json:"symbol"`
	Action   signals.Action `json:"action"`
	Quantity float64        `json:"quantity"`
	Price    float64        `json:"price"`
}

func (s *Simulator) submitOrder(ctx context.Context, args orderArgs) (map[string]any, error) {
	if err := (symbolArgs{Symbol: args.Symbol}).validate(); err != nil {
		return nil, err
	}
	switch args.Action {
	case signals.StrongBuy, signals.Buy, signals.Sell, signals.StrongSell:
	default:
		return nil, tools.InvalidArguments("cannot submit a %q order", args.Action)
	}
	if args.Quantity <= 0 || args.Price <= 0 {
		return nil, tools.InvalidArguments("quantity and price must be positive")
	}
	s.mutex.Lock()
	order := Order{
		ID:       fmt.Sprintf("ord-%04d", len(s.orders)+1),
		Symbol:   args.Symbol,
		Action:   args.Action,
		Quantity: args.Quantity,
		Price:    args.Price,
		Status:   "filled",
		FilledAt: s.opts.Clock(),
	}
	s.orders = append(s.orders, order)
	s.mutex.Unlock()
	return map[string]any{
		"order_id": order.ID,
		"status":   order.Status,
		"symbol":   order.Symbol,
		"action":   string(order.Action),
		"quantity": order.Quantity,
		"price":    order.Price,
	}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
