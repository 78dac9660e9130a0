package locator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Action is one mutation performed on a Document.
type Action struct {
	Kind   string
	Target string
	Value  string
}

// Document is a Backend over a static HTML snapshot. It applies fills, clicks
// and selections to its own tree and records them, so saved copies of the form
// can be checked without a browser.
type Document struct {
	mu      sync.Mutex
	doc     *goquery.Document
	actions []Action

	// OnAction, when set, runs after every recorded action outside the lock.
	OnAction func(Action)
}

// NewDocument parses an HTML snapshot.
func NewDocument(r io.Reader) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &Document{doc: doc}, nil
}

// ParseDocument parses an HTML string.
func ParseDocument(html string) (*Document, error) {
	return NewDocument(strings.NewReader(html))
}

// Find implements Backend.
func (d *Document) Find(ctx context.Context, s Strategy) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var sel *goquery.Selection
	switch s.Kind {
	case KindID:
		sel = d.doc.Find("[id]").FilterFunction(attrEquals("id", s.Value))
	case KindName:
		sel = d.doc.Find("[name]").FilterFunction(attrEquals("name", s.Value))
	case KindLabel:
		sel = d.findByLabel(s.Value)
	case KindText:
		sel = d.doc.Find("button, a, input[type=submit], input[type=button]").FilterFunction(func(_ int, el *goquery.Selection) bool {
			if strings.TrimSpace(el.Text()) == s.Value {
				return true
			}
			value, ok := el.Attr("value")
			return ok && strings.TrimSpace(value) == s.Value
		})
	case KindCSS:
		sel = d.doc.Find(s.Value)
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", s.Kind)
	}

	elements := make([]Element, 0, sel.Length())
	sel.Each(func(_ int, el *goquery.Selection) {
		elements = append(elements, &docElement{doc: d, sel: el})
	})
	return elements, nil
}

func (d *Document) findByLabel(text string) *goquery.Selection {
	const controls = "input, select, textarea"
	result := d.doc.Selection.Slice(0, 0)
	d.doc.Find("label").Each(func(_ int, label *goquery.Selection) {
		if !strings.Contains(strings.TrimSpace(label.Text()), text) {
			return
		}
		if target, ok := label.Attr("for"); ok && target != "" {
			result = result.AddSelection(d.doc.Find("[id]").FilterFunction(attrEquals("id", target)))
			return
		}
		if nested := label.Find(controls); nested.Length() > 0 {
			result = result.AddSelection(nested)
			return
		}
		if group := label.Closest(".form-group").Find(controls); group.Length() > 0 {
			result = result.AddSelection(group)
			return
		}
		result = result.AddSelection(label.Parent().Find(controls))
	})
	return result
}

// Remove implements Backend.
func (d *Document) Remove(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	sel := d.doc.Find(selector)
	n := sel.Length()
	sel.Remove()
	d.mu.Unlock()
	if n > 0 {
		d.record(Action{Kind: "remove", Target: selector})
	}
	return n, nil
}

// RemoveBodyClass implements Backend.
func (d *Document) RemoveBodyClass(ctx context.Context, class string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doc.Find("body").RemoveClass(class)
	return nil
}

// AppendHTML appends markup to every node matching selector.
func (d *Document) AppendHTML(selector, html string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doc.Find(selector).AppendHtml(html)
}

// Count returns how many nodes match selector.
func (d *Document) Count(selector string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Find(selector).Length()
}

// Value returns the value attribute of the first node matching selector.
func (d *Document) Value(selector string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Find(selector).First().Attr("value")
}

// HasBodyClass reports whether the body carries class.
func (d *Document) HasBodyClass(class string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Find("body").HasClass(class)
}

// Actions returns a copy of the recorded actions.
func (d *Document) Actions() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Action, len(d.actions))
	copy(out, d.actions)
	return out
}

// HTML renders the current tree.
func (d *Document) HTML() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Html()
}

func (d *Document) record(action Action) {
	d.mu.Lock()
	d.actions = append(d.actions, action)
	hook := d.OnAction
	d.mu.Unlock()
	if hook != nil {
		hook(action)
	}
}

func attrEquals(name, value string) func(int, *goquery.Selection) bool {
	return func(_ int, el *goquery.Selection) bool {
		got, _ := el.Attr(name)
		return got == value
	}
}

type docElement struct {
	doc *Document
	sel *goquery.Selection
}

func (e *docElement) Describe(ctx context.Context) (Attributes, error) {
	if err := ctx.Err(); err != nil {
		return Attributes{}, err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	id, _ := e.sel.Attr("id")
	name, _ := e.sel.Attr("name")
	typ, _ := e.sel.Attr("type")
	_, disabled := e.sel.Attr("disabled")
	_, readOnly := e.sel.Attr("readonly")
	return Attributes{
		Tag:      goquery.NodeName(e.sel),
		ID:       id,
		Name:     name,
		Type:     strings.ToLower(typ),
		Visible:  visible(e.sel),
		Enabled:  !disabled,
		ReadOnly: readOnly,
	}, nil
}

func (e *docElement) Fill(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.doc.mu.Lock()
	if goquery.NodeName(e.sel) == "textarea" {
		e.sel.SetText(value)
	} else {
		e.sel.SetAttr("value", value)
	}
	target := describeTarget(e.sel)
	e.doc.mu.Unlock()

	e.doc.record(Action{Kind: "fill", Target: target, Value: value})
	return nil
}

func (e *docElement) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.doc.mu.Lock()
	typ, _ := e.sel.Attr("type")
	if goquery.NodeName(e.sel) == "input" && (typ == "radio" || typ == "checkbox") {
		check(e.doc.doc, e.sel)
	}
	target := describeTarget(e.sel)
	// a click on a control inside a dialog closes the dialog
	e.sel.Closest(".modal").Remove()
	e.doc.mu.Unlock()

	e.doc.record(Action{Kind: "click", Target: target})
	return nil
}

func (e *docElement) Select(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.doc.mu.Lock()
	if goquery.NodeName(e.sel) != "select" {
		e.doc.mu.Unlock()
		return fmt.Errorf("select %q: %s is not a select", value, describeTarget(e.sel))
	}
	options := e.sel.Find("option")
	match := options.FilterFunction(func(_ int, opt *goquery.Selection) bool {
		v, ok := opt.Attr("value")
		if ok {
			return v == value
		}
		return strings.TrimSpace(opt.Text()) == value
	}).First()
	if match.Length() == 0 {
		e.doc.mu.Unlock()
		return fmt.Errorf("select %q: option not found", value)
	}
	options.RemoveAttr("selected")
	match.SetAttr("selected", "selected")
	target := describeTarget(e.sel)
	e.doc.mu.Unlock()

	e.doc.record(Action{Kind: "select", Target: target, Value: value})
	return nil
}

func (e *docElement) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.doc.mu.Lock()
	check(e.doc.doc, e.sel)
	target := describeTarget(e.sel)
	e.doc.mu.Unlock()

	e.doc.record(Action{Kind: "check", Target: target})
	return nil
}

func check(doc *goquery.Document, sel *goquery.Selection) {
	if typ, _ := sel.Attr("type"); typ == "radio" {
		if name, ok := sel.Attr("name"); ok {
			doc.Find("input[type=radio]").FilterFunction(attrEquals("name", name)).RemoveAttr("checked")
		}
	}
	sel.SetAttr("checked", "checked")
}

func visible(sel *goquery.Selection) bool {
	if typ, _ := sel.Attr("type"); strings.EqualFold(typ, "hidden") {
		return false
	}
	for node := sel; node.Length() > 0; node = node.Parent() {
		if _, hidden := node.Attr("hidden"); hidden {
			return false
		}
		style, _ := node.Attr("style")
		style = strings.ToLower(strings.ReplaceAll(style, " ", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

func describeTarget(sel *goquery.Selection) string {
	if id, ok := sel.Attr("id"); ok && id != "" {
		return "#" + id
	}
	if name, ok := sel.Attr("name"); ok && name != "" {
		return fmt.Sprintf("%s[name=%s]", goquery.NodeName(sel), name)
	}
	return fmt.Sprintf("%s(%s)", goquery.NodeName(sel), strings.TrimSpace(sel.Text()))
}
