package nodes

import (
	"fmt"
	"strings"

	contractx "github.com/jirayu/concierge/agent/contract"
)

func FinalizeReply(in *GraphState) (contractx.OutboundMessage, error) {
	if in == nil {
		return contractx.OutboundMessage{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	if strings.TrimSpace(in.Reply.DisplayText) == "" {
		return contractx.OutboundMessage{}, fmt.Errorf("%w: empty reply produced", contractx.ErrValidation)
	}
	return in.Reply, nil
}
