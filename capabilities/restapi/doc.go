// Package restapi serves the rest_api capability kind: one HTTP request per
// call against a rest connection, with {{parameterN}} placeholders rendered
// into Path, Body and Headers. Connections may authenticate with a static
// bearer token, an API key header or a per-call HS256 JWT.
package restapi
