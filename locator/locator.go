package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-form-autofill/parser"
)

// ErrNotFound is returned when no strategy for a role yields an acceptable control.
var ErrNotFound = errors.New("element not found")

// Attributes is what the locator needs to know about a candidate control.
type Attributes struct {
	Tag      string
	ID       string
	Name     string
	Type     string
	Visible  bool
	Enabled  bool
	ReadOnly bool
}

// Element is a handle to a control in the hosted document.
type Element interface {
	Describe(ctx context.Context) (Attributes, error)
	// Fill replaces the value and raises input and change notifications.
	Fill(ctx context.Context, value string) error
	Click(ctx context.Context) error
	Select(ctx context.Context, value string) error
	Check(ctx context.Context) error
}

// Backend runs queries and removals against one hosted document.
type Backend interface {
	Find(ctx context.Context, s Strategy) ([]Element, error)
	Remove(ctx context.Context, selector string) (int, error)
	RemoveBodyClass(ctx context.Context, class string) error
}

// Locator resolves roles to controls using a profile's strategies.
type Locator struct {
	backend Backend
	profile Profile
	// last strategy index that matched, per role
	cache *lru.Cache[Role, int]
}

// New builds a Locator. cacheSize bounds the per-role strategy cache.
func New(backend Backend, profile Profile, cacheSize int) (*Locator, error) {
	if backend == nil {
		return nil, fmt.Errorf("locator backend is required")
	}
	if cacheSize <= 0 {
		cacheSize = 16
	}
	cache, err := lru.New[Role, int](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create strategy cache: %w", err)
	}
	if profile.DateLayout == "" {
		profile.DateLayout = parser.DisplayDateLayout
	}
	return &Locator{backend: backend, profile: profile, cache: cache}, nil
}

// Locate returns the first visible, enabled, writable control for role. Controls
// that look like the date field are never returned for another role.
func (l *Locator) Locate(ctx context.Context, role Role) (Element, error) {
	strategies := l.profile.Targets[role]
	if len(strategies) == 0 {
		return nil, fmt.Errorf("%w: no strategies for %s", ErrNotFound, role)
	}

	var findErrs []error
	for _, idx := range l.order(role, len(strategies)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		strategy := strategies[idx]
		candidates, err := l.backend.Find(ctx, strategy)
		if err != nil {
			findErrs = append(findErrs, fmt.Errorf("%s: %w", strategy, err))
			continue
		}
		for _, el := range candidates {
			attrs, err := el.Describe(ctx)
			if err != nil {
				slog.Debug("Skipping candidate", slog.String("role", string(role)), slog.Any("error", err))
				continue
			}
			if l.acceptable(role, attrs) {
				l.cache.Add(role, idx)
				return el, nil
			}
		}
	}

	l.cache.Remove(role)
	if len(findErrs) > 0 {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, role, errors.Join(findErrs...))
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, role)
}

// SetDateField writes isoDate in the profile's layout into the date control.
// A missing control reports false without an error.
func (l *Locator) SetDateField(ctx context.Context, isoDate string) (bool, error) {
	value, err := parser.FormatDisplayDate(isoDate, l.profile.DateLayout)
	if err != nil {
		return false, err
	}
	el, err := l.Locate(ctx, RoleDateInput)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := el.Fill(ctx, value); err != nil {
		return false, fmt.Errorf("fill date field: %w", err)
	}
	return true, nil
}

func (l *Locator) order(role Role, n int) []int {
	order := make([]int, 0, n)
	cached, ok := l.cache.Get(role)
	if ok && cached >= 0 && cached < n {
		order = append(order, cached)
	}
	for i := 0; i < n; i++ {
		if ok && i == cached {
			continue
		}
		order = append(order, i)
	}
	return order
}

func (l *Locator) acceptable(role Role, attrs Attributes) bool {
	if !attrs.Visible || !attrs.Enabled {
		return false
	}
	if role == RoleDateInput {
		// date pickers are commonly read-only
		return true
	}
	if attrs.ReadOnly {
		return false
	}
	return !l.looksLikeDate(attrs)
}

func (l *Locator) looksLikeDate(attrs Attributes) bool {
	if strings.EqualFold(attrs.Type, "date") {
		return true
	}
	id := strings.ToLower(attrs.ID)
	name := strings.ToLower(attrs.Name)
	for _, keyword := range l.profile.DateKeywords {
		keyword = strings.ToLower(keyword)
		if keyword == "" {
			continue
		}
		if strings.Contains(id, keyword) || strings.Contains(name, keyword) {
			return true
		}
	}
	return false
}
