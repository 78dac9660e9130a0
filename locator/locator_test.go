package locator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const formHTML = `<html><body class="modal-open">
<form>
  <div class="form-group">
    <label>Tanggal Daftar</label>
    <input id="txttanggal" name="tanggal" type="text" readonly>
  </div>
  <div class="form-group">
    <label>No. Pencarian</label>
    <input id="txtnomor" name="txtnomor" type="text">
  </div>
  <button type="button" id="btnCari">Cari</button>
  <button type="button">Cari Lagi</button>
  <label><input type="radio" name="kunjungan" value="sehat"> Kunjungan Sehat</label>
  <label><input type="radio" name="kunjungan" value="sakit"> Kunjungan Sakit</label>
  <label><input type="radio" name="perawatan" value="rj"> Rawat Jalan</label>
  <select id="poli"><option value="001">Umum</option><option value="021">Gigi</option></select>
  <button type="button" id="btnSimpanPendaftaran">Simpan</button>
</form>
</body></html>`

func newFormLocator(t *testing.T, html string) (*Locator, *Document) {
	t.Helper()
	doc, err := ParseDocument(html)
	if err != nil {
		t.Fatalf("parse document: %v", err)
	}
	loc, err := New(doc, DefaultProfile(), 8)
	if err != nil {
		t.Fatalf("new locator: %v", err)
	}
	return loc, doc
}

func describe(t *testing.T, el Element) Attributes {
	t.Helper()
	attrs, err := el.Describe(context.Background())
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	return attrs
}

func TestLocateDefaultRoles(t *testing.T) {
	loc, _ := newFormLocator(t, formHTML)
	ctx := context.Background()

	tests := []struct {
		role Role
		id   string
		name string
	}{
		{role: RoleSearchInput, id: "txtnomor"},
		{role: RoleSearchSubmit, id: "btnCari"},
		{role: RoleDateInput, id: "txttanggal"},
		{role: RoleVisitType, name: "kunjungan"},
		{role: RoleCareType, name: "perawatan"},
		{role: RoleClinic, id: "poli"},
		{role: RoleSave, id: "btnSimpanPendaftaran"},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			el, err := loc.Locate(ctx, tt.role)
			if err != nil {
				t.Fatalf("locate: %v", err)
			}
			attrs := describe(t, el)
			if tt.id != "" && attrs.ID != tt.id {
				t.Fatalf("id = %q, want %q", attrs.ID, tt.id)
			}
			if tt.name != "" && attrs.Name != tt.name {
				t.Fatalf("name = %q, want %q", attrs.Name, tt.name)
			}
		})
	}
}

func TestLocateFallsBackToNameStrategy(t *testing.T) {
	html := `<html><body><input name="nomor" type="text"><button>Cari</button></body></html>`
	loc, _ := newFormLocator(t, html)

	el, err := loc.Locate(context.Background(), RoleSearchInput)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if attrs := describe(t, el); attrs.Name != "nomor" {
		t.Fatalf("name = %q, want nomor", attrs.Name)
	}
}

func TestLocateNeverReturnsDateFieldForOtherRoles(t *testing.T) {
	// the search label sits next to the date control only
	html := `<html><body>
<div class="form-group"><label>No. Pencarian</label><input id="tgl_kunjungan" type="text"></div>
</body></html>`
	loc, _ := newFormLocator(t, html)

	_, err := loc.Locate(context.Background(), RoleSearchInput)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocateSkipsHiddenDisabledAndReadOnly(t *testing.T) {
	html := `<html><body>
<div style="display: none"><input name="txtnomor" id="hidden-one"></div>
<input name="txtnomor" id="disabled-one" disabled>
<input name="txtnomor" id="readonly-one" readonly>
<input name="txtnomor" id="usable">
</body></html>`
	loc, _ := newFormLocator(t, html)

	el, err := loc.Locate(context.Background(), RoleSearchInput)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if attrs := describe(t, el); attrs.ID != "usable" {
		t.Fatalf("id = %q, want usable", attrs.ID)
	}
}

func TestLocateMissingRole(t *testing.T) {
	loc, _ := newFormLocator(t, `<html><body><p>maintenance</p></body></html>`)

	for _, role := range []Role{RoleSearchInput, RoleSearchSubmit, RoleSave, Role("unknown")} {
		if _, err := loc.Locate(context.Background(), role); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", role, err)
		}
	}
}

type countingBackend struct {
	Backend
	finds map[string]int
}

func (c *countingBackend) Find(ctx context.Context, s Strategy) ([]Element, error) {
	c.finds[s.String()]++
	return c.Backend.Find(ctx, s)
}

func TestLocateTriesCachedStrategyFirst(t *testing.T) {
	doc, err := ParseDocument(`<html><body><input id="txtnomor"></body></html>`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	backend := &countingBackend{Backend: doc, finds: map[string]int{}}
	loc, err := New(backend, DefaultProfile(), 4)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := loc.Locate(ctx, RoleSearchInput); err != nil {
			t.Fatalf("locate %d: %v", i, err)
		}
	}

	// first lookup walks every strategy; later ones go straight to id=txtnomor
	if got := backend.finds["label=No. Pencarian"]; got != 1 {
		t.Fatalf("label strategy queried %d times, want 1", got)
	}
	if got := backend.finds["id=txtnomor"]; got != 3 {
		t.Fatalf("id strategy queried %d times, want 3", got)
	}
}

func TestSetDateField(t *testing.T) {
	loc, doc := newFormLocator(t, formHTML)

	ok, err := loc.SetDateField(context.Background(), "2024-01-15")
	if err != nil || !ok {
		t.Fatalf("SetDateField = %v, %v", ok, err)
	}
	if value, _ := doc.Value("#txttanggal"); value != "15-01-2024" {
		t.Fatalf("date value = %q, want 15-01-2024", value)
	}

	if _, err := loc.SetDateField(context.Background(), "15/01/2024"); err == nil {
		t.Fatalf("expected error for malformed date")
	}
}

func TestSetDateFieldMissingControl(t *testing.T) {
	loc, _ := newFormLocator(t, `<html><body><input name="txtnomor"></body></html>`)

	ok, err := loc.SetDateField(context.Background(), "2024-01-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected false when the date control is absent")
	}
}

func TestLocateHonoursCancellation(t *testing.T) {
	loc, _ := newFormLocator(t, formHTML)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := loc.Locate(ctx, RoleSearchInput); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoadProfileOverridesRoles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	body := `
name = "staging"
date_layout = "02/01/2006"

[[targets.search-input]]
kind = "css"
value = "input.search"

[[finalize]]
role = "save"
action = "click"
required = true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	profile, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if profile.Name != "staging" || profile.DateLayout != "02/01/2006" {
		t.Fatalf("scalar keys not applied: %+v", profile)
	}
	if got := profile.Targets[RoleSearchInput]; len(got) != 1 || got[0].Value != "input.search" {
		t.Fatalf("search strategies = %+v", got)
	}
	if len(profile.Targets[RoleSearchSubmit]) == 0 {
		t.Fatalf("unnamed roles should keep default strategies")
	}
	if len(profile.Finalize) != 1 || !profile.Finalize[0].Required {
		t.Fatalf("finalize = %+v", profile.Finalize)
	}
}

func TestProfileValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Profile)
	}{
		{name: "no search input", mutate: func(p *Profile) { delete(p.Targets, RoleSearchInput) }},
		{name: "unknown kind", mutate: func(p *Profile) { p.Targets[RoleSave] = []Strategy{{Kind: "xpath", Value: "//x"}} }},
		{name: "select without value", mutate: func(p *Profile) { p.Finalize = []FinalizeStep{{Role: RoleClinic, Action: ActionSelect}} }},
		{name: "dialog without dismiss", mutate: func(p *Profile) { p.Dialogs = []DialogRule{{Container: "#x"}} }},
	}

	if err := DefaultProfile().Validate(); err != nil {
		t.Fatalf("default profile invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultProfile()
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
