package orchestration

import (
	"reflect"
	"testing"
)

func TestResolveParamsReferences(t *testing.T) {
	exec := newPlannedExecution(t, "user-1")
	exec.MarkCompleted("step-1", map[string]interface{}{
		"rideId": "ride-123",
		"driver": map[string]interface{}{"name": "Sam", "rating": 4.9},
	})

	params := map[string]interface{}{
		"ride":    "$step-1.rideId",
		"rating":  "$step-1.driver.rating",
		"note":    "driver is $step-1.driver.name", // not a bare reference
		"cost":    "$100",                          // not a step id
		"missing": "$step-1.plate",
		"nested":  map[string]interface{}{"id": "$step-1.rideId"},
		"list":    []interface{}{"$step-1.rideId", 7},
	}

	resolved := ResolveParams(exec, params)

	if resolved["ride"] != "ride-123" {
		t.Errorf("ride = %v", resolved["ride"])
	}
	if resolved["rating"] != 4.9 {
		t.Errorf("rating = %v, replacement must keep the output's type", resolved["rating"])
	}
	if resolved["note"] != "driver is $step-1.driver.name" {
		t.Errorf("interpolation is not supported; note = %v", resolved["note"])
	}
	if resolved["cost"] != "$100" {
		t.Errorf("cost = %v, plain dollar strings pass through", resolved["cost"])
	}
	if resolved["missing"] != "$step-1.plate" {
		t.Errorf("missing = %v, unresolved references pass through", resolved["missing"])
	}
	if nested := resolved["nested"].(map[string]interface{}); nested["id"] != "ride-123" {
		t.Errorf("nested = %v", nested)
	}
	if list := resolved["list"].([]interface{}); list[0] != "ride-123" || list[1] != 7 {
		t.Errorf("list = %v", list)
	}

	// The source map is untouched.
	if params["ride"] != "$step-1.rideId" {
		t.Error("ResolveParams mutated its input")
	}
}

func TestResolveParamsIncompleteStep(t *testing.T) {
	exec := newPlannedExecution(t, "user-1")
	// step-1 never ran; its output is nil.
	resolved := ResolveParams(exec, map[string]interface{}{"ride": "$step-1.rideId"})
	if resolved["ride"] != "$step-1.rideId" {
		t.Errorf("ride = %v, reference to unexecuted step must pass through", resolved["ride"])
	}
}

func TestApplyAliases(t *testing.T) {
	def := &ToolDefinition{
		Name:    "book_restaurant_table",
		Aliases: map[string]string{"people": "partySize", "when": "time"},
	}

	out := ApplyAliases(def, map[string]interface{}{
		"people":       4,
		"when":         "19:00",
		"restaurantId": "R1",
	})
	want := map[string]interface{}{
		"partySize":    4,
		"time":         "19:00",
		"restaurantId": "R1",
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("ApplyAliases() = %v, want %v", out, want)
	}
}

func TestApplyAliasesCanonicalWins(t *testing.T) {
	def := &ToolDefinition{
		Name:    "book_restaurant_table",
		Aliases: map[string]string{"people": "partySize"},
	}

	out := ApplyAliases(def, map[string]interface{}{
		"people":    4,
		"partySize": 2,
	})
	if out["partySize"] != 2 {
		t.Errorf("partySize = %v, explicit canonical value must win", out["partySize"])
	}
	if _, ok := out["people"]; ok {
		t.Error("alias key survived the rename")
	}
}

func TestApplyAliasesNoAliases(t *testing.T) {
	params := map[string]interface{}{"x": 1}
	if out := ApplyAliases(&ToolDefinition{Name: "t"}, params); !reflect.DeepEqual(out, params) {
		t.Errorf("ApplyAliases() = %v", out)
	}
	if out := ApplyAliases(nil, params); !reflect.DeepEqual(out, params) {
		t.Errorf("ApplyAliases(nil) = %v", out)
	}
}
