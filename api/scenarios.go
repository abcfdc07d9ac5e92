/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates contracts, sub-unit
	allocations, monthly audits and closed months that demonstrate a
	specific feature.

AVAILABLE SCENARIOS:

	reconciliation-ok:        Divergence of 2 kWh, inside tolerance
	reconciliation-divergent: Divergence of 10 kWh, flagged DIVERGENT
	settlement-close:         Month closed from its audit record
	ledger-carry-forward:     Balance carried between months, one inconsistent
	portfolio-spread:         Spread ranking with a deleted contract

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create contracts and allocations
 3. Record audits month by month
 4. Close months, from an audit record or from explicit energy
 5. Delete contracts whose history should become orphaned

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "portfolio-spread"}

ADDING NEW SCENARIOS:
 1. Add an entry to scenarios.yaml with the same payload fields the
    HTTP API accepts
 2. Reference an audit from a settlement with audit_month

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
	Payloads are parsed in strict mode regardless of the server setting.

SEE ALSO:
  - scenarios.yaml: Scenario definitions
  - factory/requests.go: Payload parsing
*/
package api

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/solarshare/rateio-engine/factory"
	"github.com/solarshare/rateio-engine/rateio"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

//go:embed scenarios.yaml
var scenarioYAML []byte

type scenarioFile struct {
	Scenarios []scenarioDef `yaml:"scenarios"`
}

type scenarioDef struct {
	ID              string             `yaml:"id"`
	Name            string             `yaml:"name"`
	Description     string             `yaml:"description"`
	Category        string             `yaml:"category"`
	Contracts       []scenarioContract `yaml:"contracts"`
	DeleteContracts []string           `yaml:"delete_contracts"`
}

type scenarioContract struct {
	Contract    map[string]any   `yaml:"contract"`
	Allocations []map[string]any `yaml:"allocations"`
	Audits      []map[string]any `yaml:"audits"`
	Settlements []map[string]any `yaml:"settlements"`
}

// scenarios is parsed once at init. A malformed file is a build defect.
var scenarios = mustParseScenarios(scenarioYAML)

func mustParseScenarios(data []byte) []scenarioDef {
	defs, err := parseScenarios(data)
	if err != nil {
		panic(err)
	}
	return defs
}

func parseScenarios(data []byte) ([]scenarioDef, error) {
	var file scenarioFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	seen := make(map[string]bool, len(file.Scenarios))
	for _, s := range file.Scenarios {
		if s.ID == "" {
			return nil, fmt.Errorf("parse scenarios: scenario %q has no id", s.Name)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("parse scenarios: duplicate id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return file.Scenarios, nil
}

func findScenario(id string) (scenarioDef, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenarioDef{}, false
}

func (s scenarioDef) dto() ScenarioDTO {
	return ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description, Category: s.Category}
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.dto()
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.dto())
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          current,
		Name:        current,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	id, _ := body["scenario_id"].(string)
	s, ok := findScenario(id)
	if !ok {
		h.fail(w, r, "Unknown scenario", &rateio.FieldError{
			Field: "scenario_id", Value: id, Reason: "is not a known scenario",
		})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.fail(w, r, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := h.loadScenario(ctx, s); err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario %s", s.ID), err)
		return
	}
	h.currentScenario = s.ID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// ResetData clears every table without loading a scenario.
func (h *Handler) ResetData(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.fail(w, r, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

// loadScenario seeds s through the same parser and services the HTTP
// handlers use, so fixtures obey every rule a live request does.
func (h *Handler) loadScenario(ctx context.Context, s scenarioDef) error {
	p := factory.NewParser(factory.ModeStrict)

	for i, sc := range s.Contracts {
		c, err := p.Contract(sc.Contract)
		if err != nil {
			return fmt.Errorf("contract %d: %w", i, err)
		}
		if err := h.Store.SaveContract(ctx, c); err != nil {
			return fmt.Errorf("save contract %s: %w", c.ID, err)
		}

		for _, a := range sc.Allocations {
			unit, pct, err := p.Allocation(a)
			if err != nil {
				return fmt.Errorf("contract %s allocation: %w", c.ID, err)
			}
			if _, err := h.Allocations.AddAllocation(ctx, c.ID, unit, pct); err != nil {
				return err
			}
		}

		auditByMonth := make(map[string]rateio.AuditRecordID, len(sc.Audits))
		for _, a := range sc.Audits {
			draft, err := p.AuditDraft(a)
			if err != nil {
				return fmt.Errorf("contract %s audit: %w", c.ID, err)
			}
			res, err := h.Auditor.Record(ctx, c.ID, draft)
			if err != nil {
				return err
			}
			auditByMonth[draft.Month.String()] = res.Record.ID
		}

		for _, st := range sc.Settlements {
			if err := h.loadSettlement(ctx, p, c.ID, st, auditByMonth); err != nil {
				return err
			}
		}
	}

	for _, id := range s.DeleteContracts {
		if err := h.Store.DeleteContract(ctx, rateio.ContractID(id)); err != nil {
			return fmt.Errorf("delete contract %s: %w", id, err)
		}
	}
	return nil
}

func (h *Handler) loadSettlement(ctx context.Context, p *factory.Parser, cid rateio.ContractID, payload map[string]any, auditByMonth map[string]rateio.AuditRecordID) error {
	if month, ok := payload["audit_month"].(string); ok {
		auditID, found := auditByMonth[month]
		if !found {
			return fmt.Errorf("contract %s settlement: no audit for %s", cid, month)
		}
		withAudit := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			withAudit[k] = v
		}
		withAudit["audit_id"] = string(auditID)
		payload = withAudit
	}

	req, err := p.CloseRequest(payload)
	if err != nil {
		return fmt.Errorf("contract %s settlement: %w", cid, err)
	}
	if req.AuditID != "" {
		_, err = h.Closer.CloseFromAudit(ctx, req.AuditID, req.Close)
	} else {
		_, err = h.Closer.Close(ctx, cid, req.Close)
	}
	return err
}
