// Package rules maps event kinds to presentation recipes.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalid is wrapped by every table validation failure.
var ErrInvalid = errors.New("invalid rule table")

// Asset selects the graphic for a presentation: either one fixed asset or a
// set that is cycled through round-robin.
type Asset struct {
	Fixed  string
	Rotate []string
}

// Rotating reports whether the asset cycles through a set.
func (a Asset) Rotating() bool { return len(a.Rotate) > 0 }

// Select returns the asset to show given the one shown last time this
// recipe played. last is ignored for fixed assets.
func (a Asset) Select(last string) string {
	if a.Rotating() {
		return NextAsset(last, a.Rotate)
	}
	return a.Fixed
}

// NextAsset returns the element after current in set, wrapping at the end.
// An unknown or empty current starts the cycle at set[0].
func NextAsset(current string, set []string) string {
	if len(set) == 0 {
		return ""
	}
	for i, a := range set {
		if a == current {
			return set[(i+1)%len(set)]
		}
	}
	return set[0]
}

// Countdown is the optional countdown attached to a recipe.
type Countdown struct {
	Seconds int
}

// Recipe is the presentation rule for one event kind.
type Recipe struct {
	Kind            string
	Asset           Asset
	MessageDuration time.Duration
	GraphicDuration time.Duration
	Countdown       *Countdown
}

// Table is an immutable kind -> recipe mapping.
type Table struct {
	recipes map[string]Recipe
}

// NewTable validates recipes and builds a Table. Kinds must be unique.
func NewTable(recipes ...Recipe) (*Table, error) {
	t := &Table{recipes: make(map[string]Recipe, len(recipes))}
	for i, r := range recipes {
		if err := validate(r); err != nil {
			return nil, fmt.Errorf("%w: recipe %d: %v", ErrInvalid, i, err)
		}
		if _, dup := t.recipes[r.Kind]; dup {
			return nil, fmt.Errorf("%w: duplicate kind %q", ErrInvalid, r.Kind)
		}
		r.Asset.Rotate = append([]string(nil), r.Asset.Rotate...)
		if r.Countdown != nil {
			cd := *r.Countdown
			r.Countdown = &cd
		}
		t.recipes[r.Kind] = r
	}
	return t, nil
}

func validate(r Recipe) error {
	switch {
	case r.Kind == "":
		return errors.New("kind is required")
	case r.Asset.Fixed == "" && !r.Asset.Rotating():
		return fmt.Errorf("%s: asset or rotate is required", r.Kind)
	case r.Asset.Fixed != "" && r.Asset.Rotating():
		return fmt.Errorf("%s: asset and rotate are mutually exclusive", r.Kind)
	case r.MessageDuration <= 0:
		return fmt.Errorf("%s: message duration must be > 0", r.Kind)
	case r.GraphicDuration <= 0:
		return fmt.Errorf("%s: graphic duration must be > 0", r.Kind)
	case r.Countdown != nil && r.Countdown.Seconds <= 0:
		return fmt.Errorf("%s: countdown seconds must be > 0", r.Kind)
	}
	for _, a := range r.Asset.Rotate {
		if a == "" {
			return fmt.Errorf("%s: empty asset in rotate", r.Kind)
		}
	}
	return nil
}

// Lookup returns the recipe for kind. Unknown kinds report false.
func (t *Table) Lookup(kind string) (Recipe, bool) {
	if t == nil {
		return Recipe{}, false
	}
	r, ok := t.recipes[kind]
	return r, ok
}

// Recipes returns every recipe sorted by kind.
func (t *Table) Recipes() []Recipe {
	if t == nil {
		return nil
	}
	out := make([]Recipe, 0, len(t.recipes))
	for _, r := range t.recipes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Default returns the built-in table: a plain donation, a sprint donation
// with a countdown, and a rotating-asset donation.
func Default() *Table {
	t, err := NewTable(
		Recipe{
			Kind:            "donation",
			Asset:           Asset{Fixed: "gifs/cycling.gif"},
			MessageDuration: 10 * time.Second,
			GraphicDuration: 10 * time.Second,
			Countdown:       &Countdown{Seconds: 10},
		},
		Recipe{
			Kind:            "sprint_donation",
			Asset:           Asset{Fixed: "gifs/sprint.gif"},
			MessageDuration: 10 * time.Second,
			GraphicDuration: 10500 * time.Millisecond,
			Countdown:       &Countdown{Seconds: 10},
		},
		Recipe{
			Kind:            "grinch_donation",
			Asset:           Asset{Rotate: []string{"gifs/thegrinch/g1.gif", "gifs/thegrinch/g2.gif", "gifs/thegrinch/g3.gif"}},
			MessageDuration: 10 * time.Second,
			GraphicDuration: 10 * time.Second,
		},
	)
	if err != nil {
		panic(err)
	}
	return t
}
