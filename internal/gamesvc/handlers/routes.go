package handlers

import (
	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
)

func (h *Handler) SetRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.HealthHandler)

		// Secure routes. Browsers can not set headers on a websocket
		// handshake, so the token is also read from a cookie or ?jwt=.
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verify(h.tokenAuth, jwtauth.TokenFromHeader, jwtauth.TokenFromCookie, jwtauth.TokenFromQuery))
			r.Use(jwtauth.Authenticator)

			r.Get("/ws", h.HandleWebSocket)
			r.Post("/games", h.CreateGame)
			r.Get("/games", h.ListGames)
			r.Get("/games/current", h.CurrentGame)
			r.Get("/games/{id}/replay", h.Replay)
		})
	})
}

// InitAuth sets the HS256 key that user tokens are signed with.
func (h *Handler) InitAuth(secret string) *jwtauth.JWTAuth {
	h.tokenAuth = jwtauth.New("HS256", []byte(secret), nil)
	return h.tokenAuth
}
