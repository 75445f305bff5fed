package controller

import (
	"errors"
	"io"
	"net/http"

	"devicetracker-server/internal/auth"
	"devicetracker-server/internal/modules/tracker/views"
	"devicetracker-server/internal/utils"
)

func (c *trackerControllerImpl) handleIndex(w http.ResponseWriter, r *http.Request) {
	user, ok := c.gate.CurrentUser(r)
	if !ok {
		utils.WriteHTML(w, http.StatusOK, func(out io.Writer) error {
			return views.RenderLogin(out, &views.LoginData{})
		})
		return
	}

	data := &views.DashboardData{
		UserName:  user.Name,
		UserEmail: user.Email,
		Map:       c.mapView(r),
	}
	utils.WriteHTML(w, http.StatusOK, func(out io.Writer) error {
		return views.RenderDashboard(out, data)
	})
}

func (c *trackerControllerImpl) handleCallback(w http.ResponseWriter, r *http.Request) {
	if _, err := c.gate.Callback(r.Context(), w, r); err != nil {
		c.logger.Warn("sign-in failed", "session_id", auth.SessionID(r.Context()), "error", err)
		data := &views.LoginData{Error: signInMessage(err)}
		utils.WriteHTML(w, http.StatusUnauthorized, func(out io.Writer) error {
			return views.RenderLogin(out, data)
		})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func signInMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrProviderDenied):
		return "Sign-in was cancelled or denied by the provider."
	case errors.Is(err, auth.ErrStateMismatch), errors.Is(err, auth.ErrMissingCode):
		return "Your sign-in attempt expired. Please try again."
	default:
		return "Sign-in failed. Please try again."
	}
}

func (c *trackerControllerImpl) handleLogout(w http.ResponseWriter, r *http.Request) {
	c.gate.SignOut(r)
	c.tracker.Sessions().Remove(auth.SessionID(r.Context()))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// deviceID returns the {id} path value when it names a registry device and
// writes an error response otherwise.
func (c *trackerControllerImpl) deviceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if id == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing device id")
		return "", false
	}
	if _, ok := c.devices.Lookup(id); !ok {
		utils.WriteError(w, http.StatusNotFound, "unknown device")
		return "", false
	}
	return id, true
}

func (c *trackerControllerImpl) handleToggleForm(w http.ResponseWriter, r *http.Request) {
	id, ok := c.deviceID(w, r)
	if !ok {
		return
	}
	c.tracker.Toggle(r.Context(), auth.SessionID(r.Context()), id)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (c *trackerControllerImpl) handleRefreshForm(w http.ResponseWriter, r *http.Request) {
	c.tracker.Refresh(r.Context(), auth.SessionID(r.Context()))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (c *trackerControllerImpl) handleDevices(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, c.devices.ListDevices())
}

type selectionResponse struct {
	Selected []string `json:"selected"`
}

func (c *trackerControllerImpl) handleSelection(w http.ResponseWriter, r *http.Request) {
	sess := c.tracker.Sessions().Get(auth.SessionID(r.Context()))
	utils.WriteJSON(w, http.StatusOK, selectionResponse{Selected: sess.Selection().IDs()})
}

func (c *trackerControllerImpl) handleToggle(w http.ResponseWriter, r *http.Request) {
	id, ok := c.deviceID(w, r)
	if !ok {
		return
	}
	sel, res := c.tracker.Toggle(r.Context(), auth.SessionID(r.Context()), id)
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"selected": sel.IDs(),
		"refresh":  res,
	})
}

func (c *trackerControllerImpl) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res := c.tracker.Refresh(r.Context(), auth.SessionID(r.Context()))
	utils.WriteJSON(w, http.StatusOK, res)
}

// handleDevicesPartial renders the device list alone for in-place reloads.
func (c *trackerControllerImpl) handleDevicesPartial(w http.ResponseWriter, r *http.Request) {
	data := &views.DashboardData{Map: c.mapView(r)}
	utils.WriteHTML(w, http.StatusOK, func(out io.Writer) error {
		return views.RenderDevicesPartial(out, data)
	})
}

func (c *trackerControllerImpl) handleMap(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, c.mapView(r))
}

func (c *trackerControllerImpl) mapView(r *http.Request) views.MapView {
	sess := c.tracker.Sessions().Get(auth.SessionID(r.Context()))
	sel, snap := sess.View()
	return views.BuildMapView(c.mapCfg, sel, snap, c.devices, c.logger)
}
