package tcg

import "context"

// AliasClient routes requests to an aliased graph or traversal source. It shares the acquisition
// core of the Client it was made from and only changes what a request carries and which cluster
// it resolves to.
type AliasClient struct {
	client  *Client
	aliases map[string]string
}

func newAliasClient(client *Client, aliases map[string]string) *AliasClient {

	copied := make(map[string]string, len(aliases))
	for key, value := range aliases {
		copied[key] = value
	}

	return &AliasClient{client: client, aliases: copied}
}

// Aliases returns a copy of the aliases.
func (ac *AliasClient) Aliases() map[string]string {

	aliases := make(map[string]string, len(ac.aliases))
	for key, value := range ac.aliases {
		aliases[key] = value
	}

	return aliases
}

// ChooseConnection stamps the aliases on a copy of msg and acquires a connection through the Client.
func (ac *AliasClient) ChooseConnection(ctx context.Context, msg *RequestMessage) (Connection, *RequestMessage, error) {

	aliased := msg.WithArg(ArgAliases, ac.Aliases())

	connection, err := ac.client.ChooseConnection(ctx, aliased)
	if err != nil {
		return nil, nil, err
	}

	return connection, aliased, nil
}

// Cluster resolves to the first cluster with an available host. With none available it falls back
// to the first endpoint client of the current snapshot, which may have no hosts; nil if there is none.
func (ac *AliasClient) Cluster() ClusterHandle {

	if cluster := ac.client.registry.FirstAvailable(); cluster != nil {
		return cluster
	}

	ac.client.logger.Warn("unable to find cluster with available hosts in cluster collection, so returning first snapshot cluster")

	clients := ac.client.Snapshot().Clients()
	if len(clients) == 0 {
		return nil
	}

	return clients[0].Cluster()
}
