package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/partyline/backend/internal/models"
)

type resolverFunc func(string) (uuid.UUID, error)

func (f resolverFunc) ResolveIdentity(s string) (uuid.UUID, error) { return f(s) }

type fakeAccess struct {
	member bool
	sub    *models.Subscription
}

func (f fakeAccess) IsMember(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return f.member, nil
}

func (f fakeAccess) GetByPartyID(context.Context, uuid.UUID) (*models.Subscription, error) {
	return f.sub, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestJWT(t *testing.T) {
	user := uuid.New()
	resolver := resolverFunc(func(token string) (uuid.UUID, error) {
		if token == "good" {
			return user, nil
		}
		return uuid.Nil, errors.New("unauthorized")
	})
	r := gin.New()
	r.GET("/me", JWT(resolver), func(c *gin.Context) {
		c.String(http.StatusOK, c.MustGet(ContextUserID).(uuid.UUID).String())
	})

	tests := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Token good", http.StatusUnauthorized},
		{"Bearer bad", http.StatusUnauthorized},
		{"Bearer good", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%q: status = %d, want %d", tt.header, w.Code, tt.want)
		}
		if tt.want == http.StatusOK && w.Body.String() != user.String() {
			t.Errorf("body = %q", w.Body.String())
		}
	}
}

func TestRequireActiveSubscription(t *testing.T) {
	user := uuid.New()
	tests := []struct {
		name   string
		access fakeAccess
		path   string
		want   int
	}{
		{"active member", fakeAccess{member: true, sub: &models.Subscription{Status: models.SubscriptionActive}}, "/parties/" + uuid.NewString(), http.StatusOK},
		{"past due member", fakeAccess{member: true, sub: &models.Subscription{Status: models.SubscriptionPastDue}}, "/parties/" + uuid.NewString(), http.StatusOK},
		{"canceled", fakeAccess{member: true, sub: &models.Subscription{Status: models.SubscriptionCanceled}}, "/parties/" + uuid.NewString(), http.StatusPaymentRequired},
		{"no subscription", fakeAccess{member: true}, "/parties/" + uuid.NewString(), http.StatusPaymentRequired},
		{"not a member", fakeAccess{sub: &models.Subscription{Status: models.SubscriptionActive}}, "/parties/" + uuid.NewString(), http.StatusForbidden},
		{"bad id", fakeAccess{member: true}, "/parties/nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/parties/:id", func(c *gin.Context) {
				c.Set(ContextUserID, user)
				c.Next()
			}, RequireActiveSubscription(tt.access), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
