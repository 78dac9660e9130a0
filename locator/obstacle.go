package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Dismisser clears the known dialogs and overlays of a profile.
type Dismisser struct {
	backend     Backend
	dialogs     []DialogRule
	overlays    []string
	bodyClasses []string
}

// NewDismisser builds a Dismisser for the profile's dialog rules.
func NewDismisser(backend Backend, profile Profile) *Dismisser {
	return &Dismisser{
		backend:     backend,
		dialogs:     profile.Dialogs,
		overlays:    profile.Overlays,
		bodyClasses: profile.BodyClasses,
	}
}

// DismissKnownDialogs closes visible known dialogs through their dismiss control,
// then removes overlays and blocking body classes. It returns how many dialogs and
// overlays went away. Every rule runs even when an earlier one fails.
func (d *Dismisser) DismissKnownDialogs(ctx context.Context) (int, error) {
	var (
		count int
		errs  []error
	)

	for _, rule := range d.dialogs {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		dismissed, err := d.dismissDialog(ctx, rule)
		if err != nil {
			errs = append(errs, fmt.Errorf("dialog %s: %w", rule.Container, err))
			continue
		}
		if dismissed {
			count++
		}
	}

	for _, selector := range d.overlays {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		removed, err := d.backend.Remove(ctx, selector)
		if err != nil {
			errs = append(errs, fmt.Errorf("overlay %s: %w", selector, err))
			continue
		}
		count += removed
	}

	for _, class := range d.bodyClasses {
		if err := d.backend.RemoveBodyClass(ctx, class); err != nil {
			errs = append(errs, fmt.Errorf("body class %s: %w", class, err))
		}
	}

	if count > 0 {
		slog.Debug("Dismissed obstacles", slog.Int("count", count))
	}
	return count, errors.Join(errs...)
}

func (d *Dismisser) dismissDialog(ctx context.Context, rule DialogRule) (bool, error) {
	containers, err := d.backend.Find(ctx, Strategy{Kind: KindCSS, Value: rule.Container})
	if err != nil {
		return false, err
	}
	visible := false
	for _, c := range containers {
		attrs, err := c.Describe(ctx)
		if err == nil && attrs.Visible {
			visible = true
			break
		}
	}
	if !visible {
		return false, nil
	}

	buttons, err := d.backend.Find(ctx, Strategy{Kind: KindCSS, Value: rule.Dismiss})
	if err != nil {
		return false, err
	}
	if len(buttons) == 0 {
		return false, fmt.Errorf("%w: dismiss control %s", ErrNotFound, rule.Dismiss)
	}
	if err := buttons[0].Click(ctx); err != nil {
		return false, err
	}
	return true, nil
}
