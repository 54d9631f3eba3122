package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"go.pilab.hu/restodb/api"
	"go.pilab.hu/restodb/domain"
	"go.pilab.hu/restodb/internal/auth/rbac"
	"go.pilab.hu/restodb/middleware"
	"go.pilab.hu/restodb/services"
)

func authResponse(res *services.LoginResult) api.AuthResponse {
	out := api.AuthResponse{State: res.State, User: api.NewUser(res.User)}
	if res.Token != "" {
		out.Token = res.Token
		out.TokenType = "Bearer"
		if res.Session != nil && !res.Session.ExpiresAt.IsZero() {
			exp := res.Session.ExpiresAt
			out.ExpiresAt = &exp
		}
	}
	if res.Challenge != nil {
		out.Challenge = challengeView(res.Challenge)
	}
	return out
}

func challengeView(c *services.ChallengeInfo) *api.Challenge {
	return &api.Challenge{Email: c.Email, Purpose: c.Purpose, ExpiresAt: c.ExpiresAt}
}

// RegisterHandler creates a user. Roles can only be chosen by callers
// holding users:manage; everyone else gets the default role.
func (a *API) RegisterHandler(c echo.Context) error {
	var req api.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, err)
	}
	if len(req.Roles) > 0 && !a.callerMay(c, rbac.PermUsersManage) {
		return c.JSON(http.StatusForbidden, api.ErrorResponse{Error: "permission_denied", Description: "roles cannot be chosen at self registration"})
	}

	res, err := a.auth.Register(c.Request().Context(), services.RegisterInput{
		Email:        req.Email,
		Password:     req.Password,
		Name:         req.Name,
		RestaurantID: req.RestaurantID,
		Roles:        req.Roles,
		Profile:      req.Profile,
	})
	if err != nil {
		return fail(c, err)
	}

	out := api.AuthResponse{State: services.StateAuthenticated, User: api.NewUser(res.User)}
	if res.Challenge != nil {
		out.State = services.StatePendingChallenge
		out.Challenge = challengeView(res.Challenge)
	}
	return c.JSON(http.StatusCreated, out)
}

// callerMay checks an optional bearer token without requiring one.
func (a *API) callerMay(c echo.Context, permission string) bool {
	token, ok := middleware.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if !ok {
		return false
	}
	ctx := c.Request().Context()
	session, err := a.auth.GetSession(ctx, token)
	if err != nil {
		return false
	}
	user, err := a.auth.GetUser(ctx, session.UserID)
	if err != nil || user.Status != domain.UserStatusActive {
		return false
	}
	return a.auth.HasPermission(user, permission)
}

// LoginHandler checks the password and either issues a token or reports a
// pending one-time code challenge with 202.
func (a *API) LoginHandler(c echo.Context) error {
	var req api.LoginRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, err)
	}
	res, err := a.auth.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return fail(c, err)
	}
	if res.Pending() {
		return c.JSON(http.StatusAccepted, authResponse(res))
	}
	return c.JSON(http.StatusOK, authResponse(res))
}

func (a *API) VerifyOTPHandler(c echo.Context) error {
	var req api.VerifyOTPRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, err)
	}
	if req.Purpose == "" {
		req.Purpose = domain.OTPPurposeLogin
	}
	res, err := a.auth.VerifyOTP(c.Request().Context(), req.Email, req.Code, req.Purpose)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, authResponse(res))
}

func (a *API) ResendOTPHandler(c echo.Context) error {
	var req api.ResendOTPRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, err)
	}
	if req.Purpose == "" {
		req.Purpose = domain.OTPPurposeLogin
	}
	info, err := a.auth.ResendOTP(c.Request().Context(), req.Email, req.Purpose)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, api.AuthResponse{State: services.StatePendingChallenge, Challenge: challengeView(info)})
}

// LogoutHandler destroys the presented session.
func (a *API) LogoutHandler(c echo.Context) error {
	if err := a.auth.Logout(c.Request().Context(), middleware.TokenFromContext(c)); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *API) MeHandler(c echo.Context) error {
	user, err := middleware.CurrentUser(c, a.auth)
	if err != nil {
		return fail(c, err)
	}
	view := api.NewUser(user)
	view.Permissions = rbac.Permissions(user.Roles, user.Permissions)
	return c.JSON(http.StatusOK, view)
}

func (a *API) ChangePasswordHandler(c echo.Context) error {
	var req api.ChangePasswordRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, err)
	}
	session, _ := middleware.SessionFromContext(c)
	if err := a.auth.ChangePassword(c.Request().Context(), session.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *API) ListSessionsHandler(c echo.Context) error {
	session, _ := middleware.SessionFromContext(c)
	sessions, err := a.auth.Sessions().List(c.Request().Context(), session.UserID)
	if err != nil {
		return fail(c, err)
	}
	out := make([]api.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, api.NewSession(s))
	}
	return c.JSON(http.StatusOK, out)
}

// ClearSessionsHandler logs the caller out everywhere.
func (a *API) ClearSessionsHandler(c echo.Context) error {
	session, _ := middleware.SessionFromContext(c)
	n, err := a.auth.LogoutEverywhere(c.Request().Context(), session.UserID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"destroyed": n})
}
