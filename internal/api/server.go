package api

import (
	"time"

	"github.com/wopr/fleetctl/internal/gateway"
	"github.com/wopr/fleetctl/internal/ledger"
	"github.com/wopr/fleetctl/internal/migration"
	"github.com/wopr/fleetctl/internal/node"
	"github.com/wopr/fleetctl/internal/nodebus"
	"github.com/wopr/fleetctl/internal/recovery"
	"github.com/wopr/fleetctl/internal/snapshot"
	"github.com/wopr/fleetctl/internal/store"
)

// Deps bundles every collaborator the router's handlers call into.
type Deps struct {
	Nodes      *node.Manager
	Bus        *nodebus.Hub
	Recovery   *recovery.Manager
	Migrator   *migration.Orchestrator
	Snapshots  *snapshot.Manager
	Gateway    *gateway.Gateway
	Keys       *gateway.KeyIssuer
	Ledger     *ledger.Ledger
	BotBilling *store.BotBillingRepo

	// FleetAPIToken gates both /quota/* and /api/admin/* — spec.md §6
	// names one operator bearer token (FLEET_API_TOKEN) and doesn't
	// define a second one for admin routes, so both surfaces share it
	// rather than this module inventing an unlisted credential.
	FleetAPIToken string

	// TwilioAuthToken and WebhookBaseURL gate the phone webhook, mirroring
	// gateway.Config's own (process-global) Twilio settings.
	TwilioAuthToken string
	WebhookBaseURL  string
}

// Server holds the dependencies every handler method needs. Methods are
// split across node_routes.go, admin_routes.go, snapshot_routes.go,
// quota_routes.go, and gateway_routes.go by the resource they serve.
type Server struct {
	nodes      *node.Manager
	bus        *nodebus.Hub
	recovery   *recovery.Manager
	migrator   *migration.Orchestrator
	snapshots  *snapshot.Manager
	gw         *gateway.Gateway
	keys       *gateway.KeyIssuer
	ledger     *ledger.Ledger
	botBilling *store.BotBillingRepo

	fleetAPIToken   string
	twilioAuthToken string
	webhookBaseURL  string
	nowFunc         func() time.Time
}

func NewServer(d Deps) *Server {
	return &Server{
		nodes:           d.Nodes,
		bus:             d.Bus,
		recovery:        d.Recovery,
		migrator:        d.Migrator,
		snapshots:       d.Snapshots,
		gw:              d.Gateway,
		keys:            d.Keys,
		ledger:          d.Ledger,
		botBilling:      d.BotBilling,
		fleetAPIToken:   d.FleetAPIToken,
		twilioAuthToken: d.TwilioAuthToken,
		webhookBaseURL:  d.WebhookBaseURL,
		nowFunc:         time.Now,
	}
}
