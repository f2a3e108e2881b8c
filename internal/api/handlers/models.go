package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ccbridge/ccbridge/internal/engine"
	"github.com/ccbridge/ccbridge/internal/translator/openai"
)

// builtinModels are always advertised; config aliases extend the list.
var builtinModels = []string{"claude-sonnet-4-5", "claude-opus-4-1", "claude-haiku-4-5"}

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	core *engine.Engine
}

func NewModelsHandler(core *engine.Engine) *ModelsHandler {
	return &ModelsHandler{core: core}
}

// List advertises the built-in model names plus configured aliases.
func (h *ModelsHandler) List(c *gin.Context) {
	created := time.Now().Unix()
	seen := make(map[string]bool)
	var data []openai.Model

	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		data = append(data, openai.Model{ID: id, Object: "model", Created: created, OwnedBy: "ccbridge"})
	}

	for _, name := range builtinModels {
		add(name)
	}
	for _, alias := range h.core.Config().Models {
		add(alias.Name)
		add(alias.Alias)
	}

	c.JSON(http.StatusOK, openai.ModelList{Object: "list", Data: data})
}
