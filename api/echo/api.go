// Package echo exposes the flow engine over HTTP.
package echo

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	sitelink "github.com/moneta-dev/sitelink"
	serrors "github.com/moneta-dev/sitelink/errors"
)

// FlowAPI holds the flow-facing HTTP surface.
type FlowAPI struct {
	flows      *sitelink.FlowService
	successURL string
	failureURL string
}

// NewFlowAPI initializes the flow API. The landing URLs are where the
// callback handler sends the user agent after a redirect round-trip.
func NewFlowAPI(flows *sitelink.FlowService, successURL, failureURL string) *FlowAPI {
	return &FlowAPI{
		flows:      flows,
		successURL: successURL,
		failureURL: failureURL,
	}
}

// RegisterRoutes registers the flow routes.
func (fa *FlowAPI) RegisterRoutes(e *echo.Echo) {
	e.POST("/flows", fa.StartFlowHandler)
	e.POST("/flows/:session_id/steps", fa.SubmitStepHandler)
	e.GET("/flows/callback", fa.CallbackHandler)
}

// StartFlowRequest is the body of POST /flows.
type StartFlowRequest struct {
	UserSiteRef string `json:"user_site_ref"`
	ProviderID  string `json:"provider_id"`
	Supersede   bool   `json:"supersede"`
}

// StepRequest is the body of POST /flows/:session_id/steps.
type StepRequest struct {
	StepData map[string]string `json:"step_data"`
}

// StepResponse wraps the engine's next-step instruction.
type StepResponse struct {
	NextStep sitelink.NextStep `json:"next_step"`
}

// StartFlowHandler begins a linking attempt and returns the session id
// plus the first externally visible action.
func (fa *FlowAPI) StartFlowHandler(c echo.Context) error {
	var req StartFlowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, serrors.NewInvalidRequest("malformed request body"))
	}
	if req.UserSiteRef == "" || req.ProviderID == "" {
		return c.JSON(http.StatusBadRequest, serrors.NewInvalidRequest("user_site_ref and provider_id are required"))
	}

	result, err := fa.flows.Start(c.Request().Context(), req.UserSiteRef, req.ProviderID, req.Supersede)
	if err != nil {
		switch {
		case errors.Is(err, serrors.ErrUnknownProvider):
			return c.JSON(http.StatusBadRequest, serrors.NewUnknownProvider(req.ProviderID))
		case errors.Is(err, serrors.ErrDuplicateActiveSession):
			return c.JSON(http.StatusConflict, serrors.NewDuplicateSession(req.UserSiteRef))
		default:
			log.Error().Err(err).Str("provider_id", req.ProviderID).Msg("Failed to start linking flow")
			return c.JSON(http.StatusInternalServerError, serrors.NewServerError("failed to start linking flow"))
		}
	}
	return c.JSON(http.StatusCreated, result)
}

// SubmitStepHandler advances a session with submitted form data.
func (fa *FlowAPI) SubmitStepHandler(c echo.Context) error {
	sessionID := c.Param("session_id")

	var req StepRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, serrors.NewInvalidRequest("malformed request body"))
	}

	next, err := fa.flows.SubmitStep(c.Request().Context(), sessionID, req.StepData)
	if err != nil {
		switch {
		case errors.Is(err, serrors.ErrSessionNotFound):
			return c.JSON(http.StatusNotFound, serrors.NewSessionNotFound(sessionID))
		case errors.Is(err, serrors.ErrInvalidState):
			return c.JSON(http.StatusConflict, serrors.NewInvalidState(sessionID))
		case errors.Is(err, serrors.ErrStaleState):
			return c.JSON(http.StatusConflict, serrors.NewStaleState(sessionID))
		case errors.Is(err, serrors.ErrProviderUnavailable):
			return c.JSON(http.StatusServiceUnavailable, serrors.NewProviderUnavailable(""))
		default:
			log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to submit step")
			return c.JSON(http.StatusInternalServerError, serrors.NewServerError("failed to submit step"))
		}
	}
	return c.JSON(http.StatusOK, StepResponse{NextStep: *next})
}

// CallbackHandler resolves an inbound provider callback and sends the
// user agent on to a landing page. The provider's payload arrives as
// query parameters next to the one-time token.
func (fa *FlowAPI) CallbackHandler(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return c.Redirect(http.StatusFound, fa.landingURL(fa.failureURL, "error", serrors.TokenInvalid))
	}

	payload := make(map[string]string)
	for key, values := range c.QueryParams() {
		if key == "token" || len(values) == 0 {
			continue
		}
		payload[key] = values[0]
	}

	next, err := fa.flows.HandleCallback(c.Request().Context(), token, payload)
	if err != nil {
		code := serrors.ServerError
		switch {
		case errors.Is(err, serrors.ErrTokenInvalid):
			code = serrors.TokenInvalid
		case errors.Is(err, serrors.ErrInvalidState):
			code = serrors.InvalidState
		default:
			log.Error().Err(err).Msg("Failed to handle provider callback")
		}
		return c.Redirect(http.StatusFound, fa.landingURL(fa.failureURL, "error", code))
	}

	switch next.Kind {
	case sitelink.NextStepConnected:
		return c.Redirect(http.StatusFound, fa.successURL)
	case sitelink.NextStepForm:
		// Further steps remain (e.g. an SCA challenge); the landing page
		// picks the flow back up through POST /flows/:id/steps.
		return c.Redirect(http.StatusFound, fa.landingURL(fa.successURL, "continue", "1"))
	default:
		return c.Redirect(http.StatusFound, fa.landingURL(fa.failureURL, "reason", string(next.FailureReason)))
	}
}

func (fa *FlowAPI) landingURL(base, key, value string) string {
	parsed, err := url.Parse(base)
	if err != nil {
		return base
	}
	query := parsed.Query()
	query.Set(key, value)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
