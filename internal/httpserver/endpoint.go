package httpserver

import "net/http"

// EndpointRoute is one method+path pair served by an endpoint bundle.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint groups related routes so the router can register them together.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}

type openaiEndpoint struct{ server *Server }

func newOpenAIEndpoint(server *Server) Endpoint { return &openaiEndpoint{server: server} }

func (e *openaiEndpoint) Name() string { return "openai_chat_models" }

func (e *openaiEndpoint) Routes() []EndpointRoute {
	var chat http.Handler = http.HandlerFunc(e.server.HandleChatCompletions)
	if l := e.server.cfg.Limiter; l != nil && l.Enabled() {
		chat = newLimitMiddleware(e.server, l).Wrap(chat)
	}
	return []EndpointRoute{
		{Method: http.MethodPost, Path: "/v1/chat/completions", Handler: chat},
		{Method: http.MethodGet, Path: "/v1/models", Handler: http.HandlerFunc(e.server.HandleModels)},
		{Method: http.MethodGet, Path: "/v1/models/{model}", Handler: http.HandlerFunc(e.server.HandleModel)},
	}
}

type sessionsEndpoint struct{ server *Server }

func newSessionsEndpoint(server *Server) Endpoint { return &sessionsEndpoint{server: server} }

func (e *sessionsEndpoint) Name() string { return "sessions" }

func (e *sessionsEndpoint) Routes() []EndpointRoute {
	return []EndpointRoute{
		{Method: http.MethodGet, Path: "/sessions", Handler: http.HandlerFunc(e.server.HandleListSessions)},
		{Method: http.MethodGet, Path: "/sessions/{id}", Handler: http.HandlerFunc(e.server.HandleGetSession)},
		{Method: http.MethodDelete, Path: "/sessions/{id}", Handler: http.HandlerFunc(e.server.HandleDeleteSession)},
		{Method: http.MethodGet, Path: "/sessions/{id}/usage", Handler: http.HandlerFunc(e.server.HandleSessionUsage)},
	}
}

type healthEndpoint struct{ server *Server }

func newHealthEndpoint(server *Server) Endpoint { return &healthEndpoint{server: server} }

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []EndpointRoute {
	return []EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
		{Method: http.MethodGet, Path: "/metrics", Handler: e.server.metricsHandler()},
	}
}

type rootEndpoint struct{ server *Server }

func newRootEndpoint(server *Server) Endpoint { return &rootEndpoint{server: server} }

func (e *rootEndpoint) Name() string { return "root" }

func (e *rootEndpoint) Routes() []EndpointRoute {
	return []EndpointRoute{
		{Method: http.MethodGet, Path: "/", Handler: http.HandlerFunc(e.server.HandleRoot)},
	}
}
