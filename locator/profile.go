// Package locator finds interactive controls in the hosted entry form by role
// and clears the dialogs that get in the way.
package locator

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/aluiziolira/go-form-autofill/parser"
)

// Role names a control the pipeline needs, independent of how the page marks it up.
type Role string

const (
	RoleSearchInput  Role = "search-input"
	RoleSearchSubmit Role = "search-submit"
	RoleDateInput    Role = "date-input"
	RoleVisitType    Role = "visit-type"
	RoleCareType     Role = "care-type"
	RoleClinic       Role = "clinic"
	RoleSave         Role = "save"
)

// Strategy kinds.
const (
	KindID    = "id"
	KindName  = "name"
	KindLabel = "label"
	KindText  = "text"
	KindCSS   = "css"
)

// Strategy is one way of finding a control.
type Strategy struct {
	Kind  string `toml:"kind"`
	Value string `toml:"value"`
}

func (s Strategy) String() string {
	return s.Kind + "=" + s.Value
}

// DialogRule describes a known dialog and the control that dismisses it.
type DialogRule struct {
	Container string `toml:"container"`
	Dismiss   string `toml:"dismiss"`
}

// Finalization actions.
const (
	ActionClick  = "click"
	ActionSelect = "select"
	ActionCheck  = "check"
)

// FinalizeStep is a post-search form action. Only Required steps fail the item.
type FinalizeStep struct {
	Role     Role   `toml:"role"`
	Action   string `toml:"action"`
	Value    string `toml:"value"`
	Required bool   `toml:"required"`
}

// Profile describes one target form.
type Profile struct {
	Name         string
	URL          string
	DateLayout   string
	DateKeywords []string
	Targets      map[Role][]Strategy
	Overlays     []string
	BodyClasses  []string
	Dialogs      []DialogRule
	Finalize     []FinalizeStep
}

// DefaultProfile describes the outpatient registration form.
func DefaultProfile() Profile {
	return Profile{
		Name:         "pcare-pendaftaran",
		URL:          "https://pcarejkn.bpjs-kesehatan.go.id/eclaim/EntriDaftarDokkel",
		DateLayout:   parser.DisplayDateLayout,
		DateKeywords: []string{"tanggal", "tgl", "date"},
		Targets: map[Role][]Strategy{
			RoleSearchInput: {
				{Kind: KindLabel, Value: "No. Pencarian"},
				{Kind: KindName, Value: "txtnomor"},
				{Kind: KindName, Value: "nomor"},
				{Kind: KindID, Value: "txtnomor"},
			},
			RoleSearchSubmit: {
				{Kind: KindText, Value: "Cari"},
			},
			RoleDateInput: {
				{Kind: KindID, Value: "txttanggal"},
				{Kind: KindName, Value: "tanggal"},
			},
			RoleVisitType: {
				{Kind: KindLabel, Value: "Kunjungan Sehat"},
			},
			RoleCareType: {
				{Kind: KindLabel, Value: "Rawat Jalan"},
			},
			RoleClinic: {
				{Kind: KindID, Value: "poli"},
			},
			RoleSave: {
				{Kind: KindID, Value: "btnSimpanPendaftaran"},
			},
		},
		Overlays:    []string{".bootbox.modal", ".modal-backdrop"},
		BodyClasses: []string{"modal-open"},
		Dialogs: []DialogRule{
			{Container: "#updateNIK_modal", Dismiss: "#batalNIKSubmit_btn"},
		},
		Finalize: []FinalizeStep{
			{Role: RoleVisitType, Action: ActionCheck},
			{Role: RoleCareType, Action: ActionCheck},
			{Role: RoleClinic, Action: ActionSelect, Value: "021"},
			{Role: RoleSave, Action: ActionClick, Required: true},
		},
	}
}

// Validate reports the first structural problem in the profile.
func (p Profile) Validate() error {
	for _, role := range []Role{RoleSearchInput, RoleSearchSubmit} {
		if len(p.Targets[role]) == 0 {
			return fmt.Errorf("profile %s: no strategies for %s", p.Name, role)
		}
	}
	for role, strategies := range p.Targets {
		for _, s := range strategies {
			switch s.Kind {
			case KindID, KindName, KindLabel, KindText, KindCSS:
			default:
				return fmt.Errorf("profile %s: role %s: unknown strategy kind %q", p.Name, role, s.Kind)
			}
			if s.Value == "" {
				return fmt.Errorf("profile %s: role %s: empty %s strategy", p.Name, role, s.Kind)
			}
		}
	}
	for _, d := range p.Dialogs {
		if d.Container == "" || d.Dismiss == "" {
			return fmt.Errorf("profile %s: dialog rule needs container and dismiss selectors", p.Name)
		}
	}
	for _, step := range p.Finalize {
		switch step.Action {
		case ActionClick, ActionCheck:
		case ActionSelect:
			if step.Value == "" {
				return fmt.Errorf("profile %s: select step for %s needs a value", p.Name, step.Role)
			}
		default:
			return fmt.Errorf("profile %s: unknown finalize action %q", p.Name, step.Action)
		}
		if len(p.Targets[step.Role]) == 0 {
			return fmt.Errorf("profile %s: finalize step references %s without strategies", p.Name, step.Role)
		}
	}
	return nil
}

// profileFile is the TOML shape of a Profile.
type profileFile struct {
	Name         string                `toml:"name"`
	URL          string                `toml:"url"`
	DateLayout   string                `toml:"date_layout"`
	DateKeywords []string              `toml:"date_keywords"`
	Targets      map[string][]Strategy `toml:"targets"`
	Overlays     []string              `toml:"overlays"`
	BodyClasses  []string              `toml:"body_classes"`
	Dialogs      []DialogRule          `toml:"dialogs"`
	Finalize     []FinalizeStep        `toml:"finalize"`
}

// LoadProfile reads a TOML profile. Keys absent from the file keep DefaultProfile values;
// a targets table replaces the strategies of the roles it names.
func LoadProfile(path string) (Profile, error) {
	profile := DefaultProfile()
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Profile{}, fmt.Errorf("profile %s not found", path)
		}
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}

	var file profileFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}

	if file.Name != "" {
		profile.Name = file.Name
	}
	if file.URL != "" {
		profile.URL = file.URL
	}
	if file.DateLayout != "" {
		profile.DateLayout = file.DateLayout
	}
	if file.DateKeywords != nil {
		profile.DateKeywords = file.DateKeywords
	}
	for role, strategies := range file.Targets {
		profile.Targets[Role(role)] = strategies
	}
	if file.Overlays != nil {
		profile.Overlays = file.Overlays
	}
	if file.BodyClasses != nil {
		profile.BodyClasses = file.BodyClasses
	}
	if file.Dialogs != nil {
		profile.Dialogs = file.Dialogs
	}
	if file.Finalize != nil {
		profile.Finalize = file.Finalize
	}

	if err := profile.Validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}
