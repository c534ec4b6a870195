package pipeline

import (
	"context"
	"testing"

	"github.com/tierfetch/tierfetch/internal/resource"
)

type countingTier struct {
	calls  int
	answer *resource.Resource
}

func (c *countingTier) Load(chain *Chain) *resource.Resource {
	c.calls++
	if c.answer != nil {
		return c.answer
	}
	return chain.Process(chain.Request())
}

func TestEmptyChainReturnsNil(t *testing.T) {
	chain := NewChain(context.Background(), nil, resource.NewRequest("https://example.test/"))
	if res := chain.Process(chain.Request()); res != nil {
		t.Fatalf("empty chain should return nil, got %+v", res)
	}
}

func TestChainShortCircuit(t *testing.T) {
	hit := &resource.Resource{OriginBytes: []byte("a")}
	a := &countingTier{answer: hit}
	b := &countingTier{}
	c := &countingTier{}

	chain := NewChain(context.Background(), []Interceptor{a, b, c}, resource.NewRequest("https://example.test/"))
	if res := chain.Process(chain.Request()); res != hit {
		t.Fatalf("expected first tier's answer")
	}
	if a.calls != 1 || b.calls != 0 || c.calls != 0 {
		t.Fatalf("later tiers must not run: a=%d b=%d c=%d", a.calls, b.calls, c.calls)
	}
}

func TestChainDelegatesInOrder(t *testing.T) {
	var order []string
	record := func(name string, answer *resource.Resource) Interceptor {
		return InterceptorFunc(func(chain *Chain) *resource.Resource {
			order = append(order, name)
			if answer != nil {
				return answer
			}
			return chain.Process(chain.Request())
		})
	}
	final := &resource.Resource{OriginBytes: []byte("c")}
	chain := NewChain(nil, []Interceptor{record("a", nil), record("b", nil), record("c", final)}, resource.NewRequest("https://example.test/"))
	if res := chain.Process(chain.Request()); res != final {
		t.Fatalf("expected last tier's answer")
	}
	if len(order) != 3 || order[0] != "a" || order[2] != "c" {
		t.Fatalf("unexpected call order %v", order)
	}
	if chain.Context() == nil {
		t.Fatalf("nil context should be replaced")
	}
}

func TestChainMissWhenNoTierAnswers(t *testing.T) {
	a, b := &countingTier{}, &countingTier{}
	req := resource.NewRequest("https://example.test/x")
	chain := NewChain(context.Background(), []Interceptor{a, b}, req)
	if res := chain.Process(req); res != nil {
		t.Fatalf("expected pipeline miss")
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("each tier should run once")
	}
	if chain.Request() != req {
		t.Fatalf("request should be passed through unchanged")
	}
}
