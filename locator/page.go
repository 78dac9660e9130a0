package locator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/playwright-community/playwright-go"
)

const describeScript = `el => {
	const style = window.getComputedStyle(el);
	const rect = el.getClientRects().length > 0;
	return {
		tag: el.tagName.toLowerCase(),
		id: el.id || "",
		name: el.getAttribute("name") || "",
		type: (el.getAttribute("type") || "").toLowerCase(),
		visible: rect && style.display !== "none" && style.visibility !== "hidden",
		disabled: !!el.disabled,
		readOnly: !!el.readOnly,
	};
}`

const fillScript = `(el, value) => {
	el.focus();
	el.value = "";
	el.value = value;
	el.dispatchEvent(new Event("input", { bubbles: true }));
	el.dispatchEvent(new Event("change", { bubbles: true }));
}`

const removeScript = `selector => {
	const nodes = document.querySelectorAll(selector);
	nodes.forEach(n => n.remove());
	return nodes.length;
}`

const removeBodyClassScript = `cls => document.body && document.body.classList.remove(cls)`

// Page is a Backend over a live playwright page.
type Page struct {
	page    playwright.Page
	timeout float64
}

// NewPage wraps a playwright page. timeout bounds each click and selection.
func NewPage(page playwright.Page, timeout time.Duration) *Page {
	return &Page{page: page, timeout: float64(timeout.Milliseconds())}
}

// Find implements Backend.
func (p *Page) Find(ctx context.Context, s Strategy) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var locators []playwright.Locator
	switch s.Kind {
	case KindID:
		locators = append(locators, p.page.Locator(fmt.Sprintf("[id=%s]", strconv.Quote(s.Value))))
	case KindName:
		locators = append(locators, p.page.Locator(fmt.Sprintf("[name=%s]", strconv.Quote(s.Value))))
	case KindLabel:
		locators = append(locators,
			p.page.GetByLabel(s.Value),
			p.page.Locator(fmt.Sprintf(".form-group:has(label:has-text(%s))", strconv.Quote(s.Value))).Locator("input, select, textarea"),
		)
	case KindText:
		quoted := strconv.Quote(s.Value)
		locators = append(locators, p.page.Locator(fmt.Sprintf(
			"button:text-is(%s), a:text-is(%s), input[type=submit][value=%s], input[type=button][value=%s]",
			quoted, quoted, quoted, quoted)))
	case KindCSS:
		locators = append(locators, p.page.Locator(s.Value))
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", s.Kind)
	}

	var elements []Element
	for _, loc := range locators {
		all, err := loc.All()
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", s, err)
		}
		for _, match := range all {
			elements = append(elements, &pageElement{loc: match, timeout: p.timeout})
		}
	}
	return elements, nil
}

// Remove implements Backend.
func (p *Page) Remove(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	result, err := p.page.Evaluate(removeScript, selector)
	if err != nil {
		return 0, fmt.Errorf("remove %s: %w", selector, err)
	}
	switch n := result.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, nil
	}
}

// RemoveBodyClass implements Backend.
func (p *Page) RemoveBodyClass(ctx context.Context, class string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.page.Evaluate(removeBodyClassScript, class); err != nil {
		return fmt.Errorf("remove body class %s: %w", class, err)
	}
	return nil
}

type pageElement struct {
	loc     playwright.Locator
	timeout float64
}

func (e *pageElement) Describe(ctx context.Context) (Attributes, error) {
	if err := ctx.Err(); err != nil {
		return Attributes{}, err
	}
	raw, err := e.loc.Evaluate(describeScript, nil, playwright.LocatorEvaluateOptions{Timeout: playwright.Float(e.timeout)})
	if err != nil {
		return Attributes{}, err
	}
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return Attributes{}, fmt.Errorf("unexpected describe result %T", raw)
	}
	str := func(key string) string {
		v, _ := fields[key].(string)
		return v
	}
	flag := func(key string) bool {
		v, _ := fields[key].(bool)
		return v
	}
	return Attributes{
		Tag:      str("tag"),
		ID:       str("id"),
		Name:     str("name"),
		Type:     str("type"),
		Visible:  flag("visible"),
		Enabled:  !flag("disabled"),
		ReadOnly: flag("readOnly"),
	}, nil
}

// Fill goes through a script so read-only date pickers still take the value.
func (e *pageElement) Fill(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := e.loc.Evaluate(fillScript, value, playwright.LocatorEvaluateOptions{Timeout: playwright.Float(e.timeout)})
	return err
}

func (e *pageElement) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(e.timeout)})
}

func (e *pageElement) Select(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	values := []string{value}
	_, err := e.loc.SelectOption(playwright.SelectOptionValues{Values: &values}, playwright.LocatorSelectOptionOptions{Timeout: playwright.Float(e.timeout)})
	return err
}

func (e *pageElement) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.loc.Check(playwright.LocatorCheckOptions{Timeout: playwright.Float(e.timeout)})
}
