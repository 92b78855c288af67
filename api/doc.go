// Package api serves a local HTTP sidecar over a courier instance so that a
// presentation layer in another process can drive message delivery.
//
// Routes:
//
//	GET    /health                          readiness and connectivity
//	GET    /metrics                         prometheus exposition
//	GET    /api/v1/status                   courier.Status
//	POST   /api/v1/messages                 create (and optionally send)
//	GET    /api/v1/messages?state=...       list by state
//	GET    /api/v1/messages/{id}            get by client id
//	PATCH  /api/v1/messages/{id}            edit content
//	DELETE /api/v1/messages/{id}            delete
//	POST   /api/v1/messages/{id}/send       queue a draft
//	POST   /api/v1/messages/{id}/retry      retry a failed or rejected message
//	POST   /api/v1/messages/{id}/cancel     cancel a pending send
//	GET    /api/v1/conversations/{id}/messages
//	POST   /api/v1/events                   push event webhook
//
// Errors are returned as {"error": code, "message": text}. Unknown ids map
// to 404, invalid state changes to 409, invalid payloads to 400 and a
// saturated or stopped courier to 503.
//
// The sidecar has no authentication and binds to the loopback interface by
// default.
package api
