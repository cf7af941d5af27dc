package dispatch

import (
	"fmt"
	"strings"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/labels"
)

// PreconditionError reports that an agent was dispatched before the
// artifact it consumes was produced. It names the missing kind so the
// operator knows which upstream agent to run.
type PreconditionError struct {
	Agent   labels.AgentKind
	Missing artifact.Kind
	Ref     artifact.ItemRef
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s agent requires the %s artifact for issue #%d and none exists", e.Agent, e.Missing, e.Ref.Number)
}

// AppError converts the precondition failure into the error taxonomy,
// carrying a suggestion that names the producing agent.
func (e *PreconditionError) AppError() *apperr.Error {
	producer := strings.TrimSuffix(string(e.Missing), "-output")
	return apperr.New(apperr.CodePrecondition, e.Error()).
		WithSuggestion(fmt.Sprintf("run the %s agent first: miyabi agent run %s --issue=%d", producer, producer, e.Ref.Number))
}
