package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-form-autofill/locator"
)

// processItem searches one item and finalizes the registration it opens.
func (d *Driver) processItem(ctx context.Context, delay time.Duration, item string) error {
	d.dismiss(ctx, "leftover")
	if err := d.sleep(ctx, d.timings.Settle); err != nil {
		return err
	}

	started := d.now()
	input, err := d.locator.Locate(ctx, locator.RoleSearchInput)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, locator.ErrNotFound) {
			return InputNotFoundError{Err: err}
		}
		return InteractionError{Step: "locate search input", Err: err}
	}
	if err := input.Fill(ctx, item); err != nil {
		return InteractionError{Step: "fill search input", Err: err}
	}
	d.metrics.ObserveStep("fill", d.now().Sub(started))

	if err := d.sleep(ctx, delay); err != nil {
		return err
	}

	started = d.now()
	submit, err := d.locator.Locate(ctx, locator.RoleSearchSubmit)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, locator.ErrNotFound) {
			return SubmitNotFoundError{Err: err}
		}
		return InteractionError{Step: "locate submit", Err: err}
	}
	if err := submit.Click(ctx); err != nil {
		return InteractionError{Step: "submit", Err: err}
	}
	d.metrics.ObserveStep("submit", d.now().Sub(started))

	if err := d.sleep(ctx, delay); err != nil {
		return err
	}

	if n := d.dismiss(ctx, "after submit"); n > 0 {
		if err := d.sleep(ctx, d.timings.DialogSettle); err != nil {
			return err
		}
	}

	started = d.now()
	if err := d.finalizeItem(ctx, item); err != nil {
		return err
	}
	d.metrics.ObserveStep("finalize", d.now().Sub(started))

	return d.sleep(ctx, 2*delay)
}

// dismiss clears known dialogs; failures are logged and never fail the item.
func (d *Driver) dismiss(ctx context.Context, phase string) int {
	n, err := d.obstacles.DismissKnownDialogs(ctx)
	d.metrics.AddObstacles(n)
	if err != nil && ctx.Err() == nil {
		oerr := ObstacleError{Err: err}
		d.metrics.IncError(errorTypeLabel(oerr))
		slog.Warn("Dismissing dialogs failed", slog.String("phase", phase), slog.Any("error", oerr))
	}
	return n
}

// finalizeItem runs the profile's finalization steps. Optional steps that fail
// are skipped; a required step that fails fails the item.
func (d *Driver) finalizeItem(ctx context.Context, item string) error {
	for _, step := range d.finalize {
		el, err := d.locator.Locate(ctx, step.Role)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if step.Required {
				return SaveNotFoundError{Role: step.Role, Err: err}
			}
			d.skipFinalize(item, step, err)
			continue
		}

		if err := applyStep(ctx, el, step); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if step.Required {
				return InteractionError{Step: fmt.Sprintf("finalize %s", step.Role), Err: err}
			}
			d.skipFinalize(item, step, err)
			continue
		}

		if err := d.sleep(ctx, d.timings.Settle); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) skipFinalize(item string, step locator.FinalizeStep, err error) {
	d.metrics.IncFinalizeSkip(string(step.Role))
	slog.Warn("Finalization step skipped",
		slog.String("item", item),
		slog.String("role", string(step.Role)),
		slog.String("action", step.Action),
		slog.Any("error", err),
	)
}

func applyStep(ctx context.Context, el locator.Element, step locator.FinalizeStep) error {
	switch step.Action {
	case locator.ActionClick:
		return el.Click(ctx)
	case locator.ActionCheck:
		return el.Check(ctx)
	case locator.ActionSelect:
		return el.Select(ctx, step.Value)
	default:
		return fmt.Errorf("unknown finalize action %q", step.Action)
	}
}
