package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
	appErrors "github.com/noah-isme/scoring-settlement-api/pkg/errors"
)

type staticValidator struct {
	claims *models.JWTClaims
}

func (v staticValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	if token != "good" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return v.claims, nil
}

type auditRecorder struct {
	logs []*models.AuditLog
}

func (r *auditRecorder) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	r.logs = append(r.logs, log)
	return nil
}

func newRouter(middlewares ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers := append(middlewares, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.POST("/stages/:id/settlement/tasks", handlers...)
	return router
}

func serve(router *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/stages/stg-1/settlement/tasks", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTMiddleware(t *testing.T) {
	validator := staticValidator{claims: &models.JWTClaims{UserID: "u-1", Role: models.RoleTeacher}}
	router := newRouter(JWT(validator))

	assert.Equal(t, http.StatusUnauthorized, serve(router, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, "Token good").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, "Bearer bad").Code)
	assert.Equal(t, http.StatusNoContent, serve(router, "Bearer good").Code)
}

func TestOptionalJWTNeverBlocks(t *testing.T) {
	validator := staticValidator{claims: &models.JWTClaims{UserID: "u-1"}}
	var seen bool
	router := newRouter(OptionalJWT(validator), func(c *gin.Context) {
		_, seen = c.Get(ContextUserKey)
	})

	assert.Equal(t, http.StatusNoContent, serve(router, "Bearer bad").Code)
	assert.False(t, seen)
	assert.Equal(t, http.StatusNoContent, serve(router, "Bearer good").Code)
	assert.True(t, seen)
}

func TestRBACMiddleware(t *testing.T) {
	student := staticValidator{claims: &models.JWTClaims{UserID: "u-2", Role: models.RoleStudent}}
	router := newRouter(JWT(student), RequireRoles(models.RoleAdmin, models.RoleTeacher))
	assert.Equal(t, http.StatusForbidden, serve(router, "Bearer good").Code)

	router = newRouter(JWT(student), RequireRoles(models.RoleAdmin, models.RoleStudent))
	assert.Equal(t, http.StatusNoContent, serve(router, "Bearer good").Code)

	router = newRouter(RequireRoles(models.RoleAdmin))
	assert.Equal(t, http.StatusUnauthorized, serve(router, "").Code)
}

type observedRequest struct {
	method string
	route  string
	status int
}

type requestLog struct {
	requests []observedRequest
}

func (l *requestLog) ObserveHTTPRequest(method, path string, status int, _ time.Duration) {
	l.requests = append(l.requests, observedRequest{method: method, route: path, status: status})
}

func TestMetricsLabelsByRouteTemplate(t *testing.T) {
	log := &requestLog{}
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(observeRequests(log))
	router.POST("/stages/:id/settlement/tasks", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	serve(router, "")
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stages/stg-9/unknown", nil))

	require.Len(t, log.requests, 2)
	assert.Equal(t, observedRequest{method: http.MethodPost, route: "/stages/:id/settlement/tasks", status: http.StatusNoContent}, log.requests[0])
	assert.Equal(t, observedRequest{method: http.MethodGet, route: unmatchedRoute, status: http.StatusNotFound}, log.requests[1])
}

func TestAuditRecordsSuccessfulRequests(t *testing.T) {
	recorder := &auditRecorder{}
	validator := staticValidator{claims: &models.JWTClaims{UserID: "u-1", Role: models.RoleTeacher}}
	router := newRouter(JWT(validator), Audit(recorder, nil, models.AuditActionSettlementRequested, "stage", "id"))

	require.Equal(t, http.StatusNoContent, serve(router, "Bearer good").Code)
	require.Len(t, recorder.logs, 1)
	entry := recorder.logs[0]
	assert.Equal(t, models.AuditActionSettlementRequested, entry.Action)
	require.NotNil(t, entry.ResourceID)
	assert.Equal(t, "stg-1", *entry.ResourceID)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, "u-1", *entry.UserID)

	serve(router, "Bearer bad")
	assert.Len(t, recorder.logs, 1)
}
