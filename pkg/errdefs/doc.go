/*
Package errdefs defines Magpie's error taxonomy and classification helpers.

Every error that crosses a package boundary carries one of ten kinds; the
kind decides both the scheduler's retry policy and the HTTP status the API
layer responds with. Stable machine-readable codes accompany the kinds so
clients can branch without parsing message text.

# Taxonomy

  - validation: bad URL, bad format, bad UUID, bad quality hint
  - not_found: unknown task or missing file
  - invalid_state: operation illegal for the task's current status
  - rate_limited: per-IP admission control rejection
  - auth: missing, expired, or invalid bearer token
  - timeout: probe, download, or subtitle wall-clock budget exceeded
  - resource_exceeded: child memory ceiling or disk exhaustion
  - external: coordination store, database, extractor, or transcoder failure
  - path_traversal: resolved path escaped the download directory
  - internal: anything unclassified

# Propagation Policy

Validation, not_found, invalid_state, auth, and rate_limited surface
directly as their mapped status with the stable code string. timeout and
external inside the scheduler classify transient and trigger the retry
path. resource_exceeded fails the current attempt but the job retries
fresh. internal errors are logged with full context and return a generic
500 without leaking detail. Traversal attempts log at WARN and reject
with 403.

# Usage Example

Producing and classifying an error:

	err := errdefs.New(errdefs.KindValidation, errdefs.CodeInvalidURL,
		"invalid URL format")

	if errdefs.Transient(err) {
		// re-enqueue with attempt+1
	}
	status := errdefs.HTTPStatus(err) // 400

Wrapping a downstream failure:

	if err := redis.Ping(ctx); err != nil {
		return errdefs.Wrap(err, errdefs.KindExternal,
			errdefs.CodeCoordUnavailable, "coordination store unreachable")
	}

# Message Sanitisation

Sanitize prepares failure text for the task row: the configured download
directory is replaced with the literal [DOWNLOAD_DIR] and the result is
truncated to 500 characters, so stored errors never leak host paths.
*/
package errdefs
