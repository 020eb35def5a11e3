package provider

import (
	"errors"
	"testing"

	"portal-orchestrator/internal/models"
)

func TestValidate(t *testing.T) {
	r := NewRegistry([]string{"mfn", "octotel"})

	params, err := r.Validate("mfn", models.ActionValidation, map[string]string{
		"circuit_number": " FTTX244307 ",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params["circuit_number"] != "FTTX244307" {
		t.Fatalf("expected trimmed circuit number, got %q", params["circuit_number"])
	}
}

func TestValidateErrors(t *testing.T) {
	r := NewRegistry([]string{"mfn"})

	tests := []struct {
		name     string
		provider string
		action   string
		params   map[string]string
		field    string
	}{
		{"unknown provider", "nosuch", models.ActionValidation, map[string]string{"circuit_number": "x"}, "provider"},
		{"unknown action", "mfn", "reboot", map[string]string{"circuit_number": "x"}, "action"},
		{"missing required", "mfn", models.ActionCancellation, map[string]string{}, "parameters.circuit_number"},
		{"blank required", "mfn", models.ActionValidation, map[string]string{"circuit_number": "   "}, "parameters.circuit_number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Validate(tt.provider, tt.action, tt.params)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Fatalf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestRequireOverride(t *testing.T) {
	r := NewRegistry([]string{"octotel"})
	r.Require("octotel", models.ActionCancellation, "circuit_number", "order_number")

	_, err := r.Validate("octotel", models.ActionCancellation, map[string]string{
		"circuit_number": "OCT-1",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "parameters.order_number" {
		t.Fatalf("expected missing order_number, got %v", err)
	}
}

func TestSanitizeDropsEmpties(t *testing.T) {
	out := Sanitize(map[string]string{
		"circuit_number": " A1 ",
		"":               "x",
		"note":           "   ",
	})
	if len(out) != 1 || out["circuit_number"] != "A1" {
		t.Fatalf("unexpected sanitized map: %v", out)
	}
}
