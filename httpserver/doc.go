/*
Package httpserver serves the release API over HTTP.

The server is a thin adapter over release.Service: it decodes requests into
the wire types of package api, calls the service and maps errors to status
codes. It performs no authentication of callers; the X-Caller-ID header names
the owner or collector and is trusted as sent.

# Release API Endpoints

  - POST   /api/v1/units                     - Create a capsule or dead drop
  - GET    /api/v1/units/{id}                - Public view of a unit
  - GET    /api/v1/units/{id}/status         - Status, time remaining, distance and bearing
  - GET    /api/v1/units/{id}/audit          - Status history
  - GET    /api/v1/units/{id}/assignments    - Custodians holding fragments (owner only)
  - POST   /api/v1/units/{id}/collect        - One collection attempt
  - POST   /api/v1/units/{id}/cancel         - Cancel (owner only)
  - POST   /api/v1/units/{id}/activate       - Arm a distributed dead drop (owner only)
  - POST   /api/v1/units/{id}/redistribute   - Retry fragment placement (owner only)
  - POST   /api/v1/units/{id}/solving        - Mark a puzzle capsule as being solved
  - DELETE /api/v1/units/{id}/solving        - Give up solving
  - POST   /api/v1/units/{id}/solver         - Start a server-side solver
  - GET    /api/v1/units/{id}/solver         - Solver progress
  - GET    /livez, /readyz, /drain, /undrain - Health and draining

# Error Mapping

  - 400 invalid policy, share set, gate or coordinates
  - 403 caller is not the owner
  - 404 unknown unit
  - 409 already collected, terminal, concurrent status change, invalid transition
  - 412 gate not open (body carries the reason, distance and peer counts)
  - 503 insufficient shares that may succeed later, with Retry-After
  - 410 insufficient shares after the unit expired

# Admin API Endpoints

Mounted under /admin when an AdminHandler is configured. Mutating routes
require X-Admin-ID and X-Admin-Signature headers, an ECDSA P-256 signature
over sha256(path || body) by a key from the admin whitelist (LoadAdminKeys).

  - GET  /admin/nodes             - List custodians
  - GET  /admin/nodes/{id}        - One custodian
  - POST /admin/nodes             - Register or update a custodian
  - POST /admin/nodes/{id}/status - Set online, offline or retired
  - POST /admin/sweep             - Expire overdue dead drops now
*/
package httpserver
