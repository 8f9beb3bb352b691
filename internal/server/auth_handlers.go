package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/dgellow/ride-signin/internal/autherr"
	"github.com/dgellow/ride-signin/internal/browser"
	"github.com/dgellow/ride-signin/internal/environment"
	"github.com/dgellow/ride-signin/internal/idp"
	jsonwriter "github.com/dgellow/ride-signin/internal/json"
	"github.com/dgellow/ride-signin/internal/log"
	"github.com/dgellow/ride-signin/internal/observer"
	"github.com/dgellow/ride-signin/internal/signin"
	"github.com/dgellow/ride-signin/internal/sse"
)

const maxBodyBytes = 4096

// Popups is the part of the identity provider only the HTTP layer drives
type Popups interface {
	HandleCallback(ctx context.Context, query url.Values) (*idp.CallbackResult, error)
	CancelPopup(state, reason string) error
}

// AuthHandlers serves the sign-in endpoints
type AuthHandlers struct {
	controller *signin.Controller
	observer   *observer.Observer
	provider   idp.Provider
	popups     Popups
}

// NewAuthHandlers creates the sign-in handlers
func NewAuthHandlers(controller *signin.Controller, obs *observer.Observer, provider idp.Provider, popups Popups) *AuthHandlers {
	return &AuthHandlers{
		controller: controller,
		observer:   obs,
		provider:   provider,
		popups:     popups,
	}
}

// ErrorBody is a sign-in failure as the page shows it
type ErrorBody struct {
	Kind    autherr.Kind `json:"kind"`
	Message string       `json:"message"`
}

func newErrorBody(err error) *ErrorBody {
	ae := autherr.As(err)
	if ae == nil {
		return nil
	}
	return &ErrorBody{Kind: ae.Kind, Message: ae.UserMessage()}
}

// StateResponse is the body of GET /auth/state
type StateResponse struct {
	State    signin.State  `json:"state"`
	Result   signin.Result `json:"result,omitempty"`
	Identity *idp.Identity `json:"identity,omitempty"`
	Error    *ErrorBody    `json:"error,omitempty"`
	Navigate string        `json:"navigate,omitempty"`
}

// PopupEvent asks the page to open the authorization URL in a popup
type PopupEvent struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// NavigateEvent tells the page to navigate to URL and do nothing else
type NavigateEvent struct {
	URL string `json:"url"`
}

// ResolvedEvent carries the signed-in identity
type ResolvedEvent struct {
	Identity *idp.Identity `json:"identity"`
	Navigate string        `json:"navigate,omitempty"`
}

type signInRequest struct {
	ReturnURL string `json:"returnUrl"`
}

func requireTab(w http.ResponseWriter, r *http.Request) (browser.Tab, bool) {
	tab, ok := browser.TabFrom(r.Context())
	if !ok {
		jsonwriter.WriteBadRequest(w, "Missing "+TabHeader+" header")
	}
	return tab, ok
}

// StateHandler is the page-load step: it starts a page life, resolves any
// redirect attempt the tab left behind and reports what the page should do.
func (h *AuthHandlers) StateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	if _, ok := requireTab(w, r); !ok {
		return
	}
	ctx := r.Context()

	route := r.URL.Query().Get("route")
	if route == "" {
		route = "/"
	}
	// an unreadable session reads as signed out; BeginPage logs it
	identity, _ := h.observer.BeginPage(ctx, route)

	out, rerr := h.controller.Resolve(ctx, environment.DescriptorFromRequest(r))
	if rerr != nil && ctx.Err() != nil {
		log.LogDebugWithFields("http", "Page went away during resolution", nil)
		return
	}

	resp := StateResponse{
		State:    out.State,
		Result:   out.Result,
		Identity: identity,
		Error:    newErrorBody(rerr),
	}
	if out.Identity != nil {
		resp.Identity = out.Identity
	}
	if notice := h.observer.TakeNotice(ctx); notice != nil && resp.Error == nil {
		resp.Error = newErrorBody(notice)
	}
	if target, ok := h.observer.TakeNavigation(ctx); ok {
		resp.Navigate = target
	}
	_ = jsonwriter.Write(w, resp)
}

// eventStream opens the SSE response on the first event, so a refused
// sign-in can still answer with a plain status
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *eventStream) send(event string, data any) error {
	if !s.started {
		sse.SetHeaders(s.w)
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if err := sse.WriteEvent(s.w, s.flusher, event, data); err != nil {
		log.LogDebugWithFields("http", "Failed to write sign-in event", map[string]any{
			"event": event,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// stateParam extracts the OAuth state from an authorization URL
func stateParam(authURL string) string {
	u, err := url.Parse(authURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("state")
}

// SignInHandler runs one sign-in attempt and streams its progress: popup,
// then resolved or error; or navigate for the redirect strategy.
func (h *AuthHandlers) SignInHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	if _, ok := requireTab(w, r); !ok {
		return
	}

	var req signInRequest
	if r.ContentLength != 0 {
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			jsonwriter.WriteBadRequest(w, "Invalid request body")
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonwriter.WriteInternalServerError(w, "Streaming unsupported")
		return
	}
	stream := &eventStream{w: w, flusher: flusher}
	ctx := r.Context()

	constraints := idp.Constraints{
		ReturnURL: req.ReturnURL,
		OpenPopup: func(authURL string) error {
			return stream.send("popup", PopupEvent{URL: authURL, State: stateParam(authURL)})
		},
	}
	out, err := h.controller.SignIn(ctx, environment.DescriptorFromRequest(r), constraints)
	if errors.Is(err, signin.ErrAttemptInFlight) && !stream.started {
		jsonwriter.WriteConflict(w, "A sign-in is already in progress")
		return
	}
	if autherr.KindOf(err) == autherr.InvalidDomain {
		// reported on this stream; drop the copy the observer keeps for the next page load
		h.observer.TakeNotice(ctx)
	}

	switch {
	case err != nil:
		_ = stream.send("error", newErrorBody(err))
	case out.Navigate != "":
		_ = stream.send("navigate", NavigateEvent{URL: out.Navigate})
	default:
		ev := ResolvedEvent{Identity: out.Identity}
		if target, ok := h.observer.TakeNavigation(ctx); ok {
			ev.Navigate = target
		}
		_ = stream.send("resolved", ev)
	}
}

// CancelPopupHandler lets the page report a popup it could not open
// (reason=blocked) or that the user closed (reason=closed)
func (h *AuthHandlers) CancelPopupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	state := r.FormValue("state")
	reason := r.FormValue("reason")
	if state == "" {
		jsonwriter.WriteBadRequest(w, "state is required")
		return
	}
	if reason != "blocked" && reason != "closed" {
		jsonwriter.WriteBadRequest(w, "reason must be blocked or closed")
		return
	}

	err := h.popups.CancelPopup(state, reason)
	switch {
	case errors.Is(err, idp.ErrUnknownAuthorization):
		jsonwriter.WriteNotFound(w, "No popup is waiting for this state")
	case err != nil:
		log.LogDebugWithFields("http", "Rejected popup cancellation", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteBadRequest(w, "Invalid state")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// CallbackHandler receives the identity provider's redirect. Popups get a
// page that closes itself; redirects go back to where sign-in started.
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodGet)
		return
	}

	res, err := h.popups.HandleCallback(r.Context(), r.URL.Query())
	if err != nil {
		log.LogWarnWithFields("http", "Unmatched provider callback", map[string]any{
			"error": err.Error(),
		})
		renderCallback(w, http.StatusBadRequest, CallbackPageData{
			Failed:  true,
			Message: "This sign-in link is no longer valid. Please start again from the page you signed in from.",
		})
		return
	}

	if res.Popup() {
		data := CallbackPageData{Close: true}
		if res.Err != nil {
			data.Failed = true
			data.Message = autherr.As(res.Err).UserMessage()
		}
		renderCallback(w, http.StatusOK, data)
		return
	}

	target := res.ReturnURL
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func renderCallback(w http.ResponseWriter, status int, data CallbackPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := callbackPageTemplate.Execute(w, data); err != nil {
		log.LogErrorWithFields("http", "Failed to render callback page", map[string]any{
			"error": err.Error(),
		})
	}
}

// SignOutHandler ends the browser's session
func (h *AuthHandlers) SignOutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	if _, ok := requireTab(w, r); !ok {
		return
	}
	if err := h.provider.SignOut(r.Context()); err != nil {
		log.LogErrorWithFields("http", "Sign-out failed", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Sign-out failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetHandler is the manual escape hatch after too many attempts
func (h *AuthHandlers) ResetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	if _, ok := requireTab(w, r); !ok {
		return
	}
	h.controller.ForceReset(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
