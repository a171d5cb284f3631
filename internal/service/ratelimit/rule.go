package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kirinyoku/tix-rush/internal/domain"
)

// Strategy selects how the limiting key is derived. It never changes the
// algorithm.
type Strategy string

const (
	StrategyInterface Strategy = "INTERFACE"
	StrategyUser      Strategy = "USER"
	StrategyGlobal    Strategy = "GLOBAL"
	StrategyCustom    Strategy = "CUSTOM"
)

// Rule configures one limited operation.
type Rule struct {
	Name            string
	Key             string
	Capacity        float64
	RefillPerSecond float64
	Tokens          int
	Blocking        bool
	Timeout         time.Duration
	Strategy        Strategy
	Warmup          bool
}

// Subject identifies who or what is being limited.
type Subject struct {
	Operation string
	UserID    int64
	Custom    string
}

// KeyFor derives the bucket key of subject under the rule's strategy.
func (r Rule) KeyFor(s Subject) (string, error) {
	const op = "service.ratelimit.Rule.KeyFor"

	name := r.Name
	if name == "" {
		name = "default"
	}

	switch r.Strategy {
	case StrategyInterface, "":
		operation := s.Operation
		if operation == "" {
			operation = r.Key
		}
		if operation == "" {
			return "", fmt.Errorf("%s: no operation: %w", op, domain.ErrInvalidRequest)
		}
		return name + ":op:" + operation, nil
	case StrategyUser:
		if s.UserID <= 0 {
			return "", fmt.Errorf("%s: no user: %w", op, domain.ErrInvalidRequest)
		}
		return name + ":user:" + strconv.FormatInt(s.UserID, 10), nil
	case StrategyGlobal:
		if r.Key != "" {
			return name + ":global:" + r.Key, nil
		}
		return name + ":global", nil
	case StrategyCustom:
		custom := s.Custom
		if custom == "" {
			custom = r.Key
		}
		if custom == "" {
			return "", fmt.Errorf("%s: no custom key: %w", op, domain.ErrInvalidRequest)
		}
		return name + ":custom:" + custom, nil
	default:
		return "", fmt.Errorf("%s: unknown strategy %q: %w", op, r.Strategy, domain.ErrInvalidRequest)
	}
}

func (r Rule) tokens() int {
	if r.Tokens <= 0 {
		return 1
	}
	return r.Tokens
}

// ttl keeps an idle bucket around long enough to refill twice. Once it
// expires the bucket is recreated full.
func (r Rule) ttl() time.Duration {
	if r.RefillPerSecond <= 0 {
		return 0
	}

	d := time.Duration(math.Ceil(2*r.Capacity/r.RefillPerSecond)) * time.Second
	if d < time.Second {
		d = time.Second
	}

	return d
}

type subjectKey struct{}

// WithSubject attaches the subject used by Guard to ctx.
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

func SubjectFrom(ctx context.Context) Subject {
	s, _ := ctx.Value(subjectKey{}).(Subject)
	return s
}
