package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"iptv-relay/work/proxy"
	"iptv-relay/work/quality"
	"iptv-relay/work/utils"
)

const maxAdviseBodyBytes = 1 << 20

// adviseRequest is the player state posted to /api/quality/advise. Levels
// may arrive in any order; Current indexes them as sent.
type adviseRequest struct {
	quality.Snapshot
	Levels     []quality.Level `json:"levels"`
	Current    int             `json:"current"`
	SeekTarget *float64        `json:"seekTarget,omitempty"`
	SeekWindow float64         `json:"seekWindow,omitempty"`
}

// adviseResponse carries the advice with Level rewritten to index the levels
// in the order they were sent.
type adviseResponse struct {
	quality.Advice
	Target quality.Level     `json:"target"`
	Seek   *quality.SeekPlan `json:"seek,omitempty"`
}

// HandleQualityAdvise answers whether the player should change rendition,
// using the configured buffer health thresholds.
func HandleQualityAdvise(sp *proxy.StreamProxy) http.HandlerFunc {
	thresholds := quality.ThresholdsFrom(sp.Config)

	return func(w http.ResponseWriter, r *http.Request) {
		var req adviseRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdviseBodyBytes)).Decode(&req); err != nil {
			utils.WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if len(req.Levels) == 0 {
			utils.WriteJSONError(w, http.StatusBadRequest, quality.ErrNoLevels.Error())
			return
		}
		if req.Current < 0 || req.Current >= len(req.Levels) {
			utils.WriteJSONError(w, http.StatusBadRequest, quality.ErrInvalidLevel.Error())
			return
		}

		sorted, sent := quality.SortLevels(req.Levels)
		current := 0
		for i, idx := range sent {
			if idx == req.Current {
				current = i
				break
			}
		}

		advice, err := quality.Advise(req.Snapshot, sorted, current, thresholds)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, quality.ErrNoLevels) || errors.Is(err, quality.ErrInvalidLevel) {
				status = http.StatusBadRequest
			}
			utils.WriteJSONError(w, status, err.Error())
			return
		}

		target := sorted[advice.Level]
		advice.Level = sent[advice.Level]
		resp := adviseResponse{Advice: advice, Target: target}
		if req.SeekTarget != nil {
			plan := quality.SeekWindow(*req.SeekTarget, req.Buffered, req.SeekWindow)
			resp.Seek = &plan
		}
		utils.WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleQualityProfile returns the buffering preset for ?network=.
func HandleQualityProfile(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, quality.ProfileFor(r.URL.Query().Get("network")))
	}
}
