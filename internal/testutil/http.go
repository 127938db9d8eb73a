package testutil

import (
	"net/http"
	"net/http/httptest"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/transitcore/buscoord/internal/app/system/auth"
)

// DriverIdentity returns a fresh driver identity.
func DriverIdentity() auth.Identity {
	return auth.Identity{UID: primitive.NewObjectID().Hex(), Role: auth.RoleDriver}
}

// AdminIdentity returns a fresh admin identity.
func AdminIdentity() auth.Identity {
	return auth.Identity{UID: primitive.NewObjectID().Hex(), Role: auth.RoleAdmin}
}

// NewAuthenticatedRequest creates an HTTP request with the identity already
// verified, bypassing the JWT middleware.
func NewAuthenticatedRequest(method, target string, id auth.Identity) *http.Request {
	return auth.WithIdentity(httptest.NewRequest(method, target, nil), id)
}
