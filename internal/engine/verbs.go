package engine

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// Args carries optional operation arguments ("brightness", "channel",
// "wait") supplied by CLI flags or the HTTP request body.
type Args map[string]interface{}

// Int reads an integer argument; present=false when the key is absent.
func (a Args) Int(key string) (int, bool, error) {
	raw, ok := a[key]
	if !ok {
		return 0, false, nil
	}
	n, err := coerceInt(raw)
	if err != nil {
		return 0, true, operrors.New(operrors.KindTypeMismatch, "argument %q must be an integer", key)
	}
	return int(n), true, nil
}

// Bool reads a boolean argument, false when absent or unparseable.
func (a Args) Bool(key string) bool {
	raw, ok := a[key]
	if !ok {
		return false
	}
	b, err := coerceBool(raw)
	if err != nil {
		return false
	}
	return b
}

// Gen1Invocation is a prepared Gen1 REST control call.
type Gen1Invocation struct {
	Path  string
	Query url.Values
}

// Gen2Invocation is a prepared Gen2+ RPC control call.
type Gen2Invocation struct {
	Method string
	Params interface{}
}

// Recipe maps one control verb onto its per-generation wire calls. A nil
// branch means the verb does not exist on that generation.
type Recipe struct {
	Verb        string
	Description string
	Gen1        func(device *model.Device, args Args) (*Gen1Invocation, error)
	Gen2        func(device *model.Device, args Args) (*Gen2Invocation, error)
}

// RecipeSet is the verb table the engine dispatches from. It lives apart
// from the engine so new verbs can be registered without touching the
// dispatch path.
type RecipeSet map[string]Recipe

// Lookup returns the recipe for a verb.
func (rs RecipeSet) Lookup(verb string) (Recipe, bool) {
	r, ok := rs[verb]
	return r, ok
}

// Register adds or replaces a verb.
func (rs RecipeSet) Register(recipe Recipe) {
	rs[recipe.Verb] = recipe
}

// Verbs returns all registered verbs in sorted order.
func (rs RecipeSet) Verbs() []string {
	verbs := make([]string, 0, len(rs))
	for verb := range rs {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)
	return verbs
}

// VerbsFor returns the sorted verbs available on the given generation.
func (rs RecipeSet) VerbsFor(gen model.Generation) []string {
	verbs := make([]string, 0, len(rs))
	for verb, recipe := range rs {
		if gen == model.Gen1 && recipe.Gen1 != nil {
			verbs = append(verbs, verb)
		} else if gen.IsRPC() && recipe.Gen2 != nil {
			verbs = append(verbs, verb)
		}
	}
	sort.Strings(verbs)
	return verbs
}

// DefaultRecipes builds the standard verb table. The static type table
// steers relay-vs-light selection for devices whose primary output is a
// light channel (dimmers, bulbs).
func DefaultRecipes(types *capabilities.DeviceTypes) RecipeSet {
	rs := make(RecipeSet)

	channel := func(args Args) (int, error) {
		ch, _, err := args.Int("channel")
		if err != nil {
			return 0, err
		}
		if ch < 0 {
			return 0, operrors.New(operrors.KindTypeMismatch, "channel must be non-negative")
		}
		return ch, nil
	}

	isLight := func(device *model.Device) bool {
		if types == nil {
			return false
		}
		info, ok := types.Info(device.DeviceType)
		if !ok {
			return false
		}
		for _, f := range info.Features {
			if f == "light" {
				return true
			}
		}
		return false
	}

	gen1Output := func(device *model.Device, args Args) (string, error) {
		ch, err := channel(args)
		if err != nil {
			return "", err
		}
		base := "relay"
		if isLight(device) {
			base = "light"
		}
		return fmt.Sprintf("%s/%d", base, ch), nil
	}

	gen1Turn := func(turn string) func(*model.Device, Args) (*Gen1Invocation, error) {
		return func(device *model.Device, args Args) (*Gen1Invocation, error) {
			path, err := gen1Output(device, args)
			if err != nil {
				return nil, err
			}
			return &Gen1Invocation{Path: path, Query: url.Values{"turn": []string{turn}}}, nil
		}
	}

	gen2Switch := func(on bool) func(*model.Device, Args) (*Gen2Invocation, error) {
		return func(device *model.Device, args Args) (*Gen2Invocation, error) {
			ch, err := channel(args)
			if err != nil {
				return nil, err
			}
			if isLight(device) {
				return &Gen2Invocation{Method: "Light.Set", Params: map[string]interface{}{"id": ch, "on": on}}, nil
			}
			return &Gen2Invocation{Method: "Switch.Set", Params: map[string]interface{}{"id": ch, "on": on}}, nil
		}
	}

	rs.Register(Recipe{
		Verb:        "on",
		Description: "Turn the output on",
		Gen1:        gen1Turn("on"),
		Gen2:        gen2Switch(true),
	})
	rs.Register(Recipe{
		Verb:        "off",
		Description: "Turn the output off",
		Gen1:        gen1Turn("off"),
		Gen2:        gen2Switch(false),
	})
	rs.Register(Recipe{
		Verb:        "toggle",
		Description: "Toggle the output",
		Gen1:        gen1Turn("toggle"),
		Gen2: func(device *model.Device, args Args) (*Gen2Invocation, error) {
			ch, err := channel(args)
			if err != nil {
				return nil, err
			}
			if isLight(device) {
				return &Gen2Invocation{Method: "Light.Toggle", Params: map[string]interface{}{"id": ch}}, nil
			}
			return &Gen2Invocation{Method: "Switch.Toggle", Params: map[string]interface{}{"id": ch}}, nil
		},
	})
	rs.Register(Recipe{
		Verb:        "brightness",
		Description: "Set light brightness (0-100)",
		Gen1: func(device *model.Device, args Args) (*Gen1Invocation, error) {
			level, err := brightnessArg(args)
			if err != nil {
				return nil, err
			}
			ch, err := channel(args)
			if err != nil {
				return nil, err
			}
			return &Gen1Invocation{
				Path:  fmt.Sprintf("light/%d", ch),
				Query: url.Values{"brightness": []string{fmt.Sprintf("%d", level)}},
			}, nil
		},
		Gen2: func(device *model.Device, args Args) (*Gen2Invocation, error) {
			level, err := brightnessArg(args)
			if err != nil {
				return nil, err
			}
			ch, err := channel(args)
			if err != nil {
				return nil, err
			}
			return &Gen2Invocation{Method: "Light.Set", Params: map[string]interface{}{"id": ch, "brightness": level}}, nil
		},
	})
	rs.Register(Recipe{
		Verb:        "status",
		Description: "Read full device status",
		Gen1: func(device *model.Device, args Args) (*Gen1Invocation, error) {
			return &Gen1Invocation{Path: "status"}, nil
		},
		Gen2: func(device *model.Device, args Args) (*Gen2Invocation, error) {
			return &Gen2Invocation{Method: "Shelly.GetStatus"}, nil
		},
	})
	rs.Register(Recipe{
		Verb:        "reboot",
		Description: "Reboot the device",
		Gen1: func(device *model.Device, args Args) (*Gen1Invocation, error) {
			return &Gen1Invocation{Path: "reboot"}, nil
		},
		Gen2: func(device *model.Device, args Args) (*Gen2Invocation, error) {
			return &Gen2Invocation{Method: "Shelly.Reboot"}, nil
		},
	})
	rs.Register(Recipe{
		Verb:        "check_updates",
		Description: "Check for available firmware updates",
		Gen1: func(device *model.Device, args Args) (*Gen1Invocation, error) {
			return &Gen1Invocation{Path: "status"}, nil
		},
		Gen2: func(device *model.Device, args Args) (*Gen2Invocation, error) {
			return &Gen2Invocation{Method: "Shelly.GetStatus"}, nil
		},
	})
	rs.Register(Recipe{
		Verb:        "update_firmware",
		Description: "Install the latest stable firmware",
		Gen1: func(device *model.Device, args Args) (*Gen1Invocation, error) {
			return &Gen1Invocation{Path: "ota", Query: url.Values{"update": []string{"true"}}}, nil
		},
		Gen2: func(device *model.Device, args Args) (*Gen2Invocation, error) {
			return &Gen2Invocation{Method: "Shelly.Update", Params: map[string]interface{}{"stage": "stable"}}, nil
		},
	})

	return rs
}

func brightnessArg(args Args) (int, error) {
	level, present, err := args.Int("brightness")
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, operrors.New(operrors.KindTypeMismatch, "brightness argument is required")
	}
	if level < 0 || level > 100 {
		return 0, operrors.New(operrors.KindTypeMismatch, "brightness must be between 0 and 100, got %d", level)
	}
	return level, nil
}
