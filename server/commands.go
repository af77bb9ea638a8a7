package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// commandRequest is the POST /command body.
type commandRequest struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params"`
}

type commandResponse struct {
	Status string `json:"status"`
}

func (s *Server) commandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed command body", http.StatusBadRequest)
		return
	}

	result := s.ExecuteCommand(r.Context(), req.Action, req.Params)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(commandResponse{Status: result})
}

// ExecuteCommand dispatches an operator command by name, returning a
// short human-readable status string. Unrecognized actions return
// "Unknown action" rather than an error, matching the operator console's
// expectation of a status line for every request.
func (s *Server) ExecuteCommand(ctx context.Context, action string, params map[string]string) string {
	switch action {
	case "start_system":
		s.controller.Start()
		return "System started"

	case "stop_system":
		s.controller.Stop()
		return "System stopped"

	case "set_pcs_mode":
		mode := params["mode"]
		pcs := s.controller.Pcs()
		if pcs == nil {
			return "PCS not configured"
		}
		if err := pcs.SetMode(ctx, mode); err != nil {
			return fmt.Sprintf("Failed to set PCS mode: %v", err)
		}
		return fmt.Sprintf("PCS mode set to %s", mode)

	case "set_pv_mode":
		mode := params["mode"]
		pvList := s.controller.PvDevices()
		if len(pvList) == 0 {
			return "No PV devices configured"
		}
		failed := 0
		for _, pv := range pvList {
			if err := pv.SetMode(ctx, mode); err != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Sprintf("PV mode set to %s on %d device(s), %d failed", mode, len(pvList)-failed, failed)
		}
		return fmt.Sprintf("PV mode set to %s on %d device(s)", mode, len(pvList))

	case "start_genset":
		gen := s.controller.Generator()
		if gen == nil {
			return "Generator not configured"
		}
		if err := gen.StartEngine(ctx); err != nil {
			return fmt.Sprintf("Failed to start generator: %v", err)
		}
		return "Generator started"

	case "stop_genset":
		gen := s.controller.Generator()
		if gen == nil {
			return "Generator not configured"
		}
		if err := gen.StopEngine(ctx); err != nil {
			return fmt.Sprintf("Failed to stop generator: %v", err)
		}
		return "Generator stopped"

	case "set_charger_power":
		id := params["id"]
		kw, err := strconv.ParseFloat(params["power_kw"], 64)
		if err != nil {
			return fmt.Sprintf("Invalid power_kw: %v", err)
		}
		ch, ok := s.controller.ChargerDevice(id)
		if !ok {
			return fmt.Sprintf("Charger %q not found", id)
		}
		if err := ch.SetPowerSetpoint(ctx, kw); err != nil {
			return fmt.Sprintf("Failed to set charger power: %v", err)
		}
		return fmt.Sprintf("Charger %s power set to %.1f kW", id, kw)

	case "set_threshold":
		pct, err := strconv.ParseFloat(params["soc_threshold_pct"], 64)
		if err != nil {
			return fmt.Sprintf("Invalid soc_threshold_pct: %v", err)
		}
		if err := s.controller.SetSocThresholdPct(pct); err != nil {
			return fmt.Sprintf("Failed to set threshold: %v", err)
		}
		return fmt.Sprintf("SOC threshold set to %.1f%%", pct)

	default:
		return "Unknown action"
	}
}
