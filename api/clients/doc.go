/*
Package clients provides Go clients for the release API and its admin API.

# ReleaseClient

ReleaseClient wraps the public /api/v1/units routes for one caller. The
caller id is sent in the X-Caller-ID header. Non-2xx responses come back as
*APIError, which unwraps to the same sentinel errors the service returns in
process:

	client := clients.NewReleaseClient("http://localhost:8080", "alice")
	_, err := client.Collect(ctx, id, api.CollectRequest{Location: &reading, Peers: peers})
	if errors.Is(err, interfaces.ErrGateNotOpen) {
	    var apiErr *clients.APIError
	    errors.As(err, &apiErr)
	    fmt.Println(apiErr.GateError().DistanceMeters)
	}

# AdminClient

AdminClient manages custodian nodes and triggers expiry sweeps. Mutating
requests are signed: the X-Admin-Signature header carries an ECDSA P-256
signature over sha256(path || body), X-Admin-ID names the key.

	key, _ := httpserver.ParsePrivateKey(pemBytes)
	admin := clients.NewAdminClient("http://localhost:8080/admin", "ops-1", key)
	node, err := admin.RegisterNode(interfaces.CustodianNode{...})

CreateSignedAdminRequest and SignAdminRequest are exported for callers
building their own requests.
*/
package clients
