package handlers

import (
	"net/http"
	"strings"

	apperrors "github.com/kryahq/kryad/internal/errors"
	"github.com/kryahq/kryad/pkg/gen"
)

// SettingsStore is the runtime-mutable generation settings surface.
type SettingsStore interface {
	Settings() gen.Settings
	UpdateSettings(fn func(*gen.Settings))
}

// ConfigHandler exposes the generation backend settings. The API key is
// never returned in full; reads see a masked placeholder.
type ConfigHandler struct {
	store SettingsStore
}

func NewConfigHandler(store SettingsStore) *ConfigHandler {
	return &ConfigHandler{store: store}
}

type configView struct {
	BaseURL         string  `json:"base_url"`
	Model           string  `json:"model"`
	APIKey          string  `json:"api_key"`
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
}

type configUpdate struct {
	BaseURL         *string  `json:"base_url,omitempty"`
	Model           *string  `json:"model,omitempty"`
	APIKey          *string  `json:"api_key,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	TopK            *int     `json:"top_k,omitempty"`
}

// Get returns the current settings with the API key masked.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	s := h.store.Settings()
	writeJSON(w, http.StatusOK, configView{
		BaseURL:         s.BaseURL,
		Model:           s.Model,
		APIKey:          maskKey(s.APIKey),
		Temperature:     s.Temperature,
		MaxOutputTokens: s.MaxOutputTokens,
		TopP:            s.TopP,
		TopK:            s.TopK,
	})
}

// Update applies a partial settings change. Omitted fields keep their
// current values.
func (h *ConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req configUpdate
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Model != nil && strings.TrimSpace(*req.Model) == "" {
		writeErrorCode(w, apperrors.CodeInvalidInput, "model must not be empty")
		return
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		writeErrorCode(w, apperrors.CodeInvalidInput, "temperature must be between 0 and 2")
		return
	}
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens <= 0 {
		writeErrorCode(w, apperrors.CodeInvalidInput, "max_output_tokens must be positive")
		return
	}
	if req.TopP != nil && (*req.TopP <= 0 || *req.TopP > 1) {
		writeErrorCode(w, apperrors.CodeInvalidInput, "top_p must be in (0, 1]")
		return
	}
	if req.TopK != nil && *req.TopK < 0 {
		writeErrorCode(w, apperrors.CodeInvalidInput, "top_k must be non-negative")
		return
	}

	h.store.UpdateSettings(func(s *gen.Settings) {
		if req.BaseURL != nil {
			s.BaseURL = *req.BaseURL
		}
		if req.Model != nil {
			s.Model = *req.Model
		}
		if req.APIKey != nil {
			s.APIKey = *req.APIKey
		}
		if req.Temperature != nil {
			s.Temperature = *req.Temperature
		}
		if req.MaxOutputTokens != nil {
			s.MaxOutputTokens = *req.MaxOutputTokens
		}
		if req.TopP != nil {
			s.TopP = *req.TopP
		}
		if req.TopK != nil {
			s.TopK = *req.TopK
		}
	})

	h.Get(w, r)
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "••••••••"
	}
	return "••••••••" + key[len(key)-4:]
}
