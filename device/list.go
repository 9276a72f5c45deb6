package device

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-kit/kit/log"
	"github.com/xmidt-org/webpa-common/logging"
)

// ListHandler answers with a JSON snapshot of the connected controllers.
type ListHandler struct {
	Logger   log.Logger
	Registry *Registry
}

func (h *ListHandler) ServeHTTP(response http.ResponseWriter, request *http.Request) {
	sessions := make([]*Session, 0, 16)
	h.Registry.VisitAll(func(s *Session) {
		sessions = append(sessions, s)
	})

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].DeviceKey() < sessions[j].DeviceKey()
	})

	response.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(response).Encode(sessions); err != nil {
		logging.Error(h.Logger).Log(logging.MessageKey(), "error encoding device list", logging.ErrorKey(), err)
	}
}
