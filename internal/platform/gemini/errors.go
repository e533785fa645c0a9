package gemini

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/generation"
	"google.golang.org/genai"
)

// classifyAPIError maps a Gemini client error to a classified generation
// error. 4xx responses are permanent except 408 and 429.
func classifyAPIError(err error) error {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	code := 0
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}

	if code >= 400 && code < 500 &&
		code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return domain.Permanent("generate",
			fmt.Errorf("%w: gemini returned %d: %v", generation.ErrGenerationFailed, code, err))
	}

	return domain.Transient("generate",
		fmt.Errorf("%w: %v", generation.ErrTransientFailure, err))
}
