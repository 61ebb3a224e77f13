package nwc

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/klingon-tech/walletmux/internal/keys"
)

const uriScheme = "nostr+walletconnect://"

// ConnectURI holds the parsed fields of a "nostr+walletconnect://" URI: the
// service pubkey a client talks to, the relays to use, and the client's own
// secret.
type ConnectURI struct {
	ServicePubKey []byte
	Relays        []string
	ClientSecret  []byte
}

// ParseConnectURI parses a "nostr+walletconnect://<pubkey>?relay=...&secret=..."
// URI (spec §6.2). Multiple relay parameters are all collected.
func ParseConnectURI(raw string) (*ConnectURI, error) {
	if !strings.HasPrefix(raw, uriScheme) {
		return nil, errors.New("nwc: uri must start with nostr+walletconnect://")
	}

	u, err := url.Parse("https://" + strings.TrimPrefix(raw, uriScheme))
	if err != nil {
		return nil, fmt.Errorf("nwc: invalid uri: %w", err)
	}

	pubHex := u.Host
	pub, err := keys.ParsePublicHex(pubHex)
	if err != nil {
		return nil, fmt.Errorf("nwc: invalid service pubkey: %w", err)
	}

	relays := u.Query()["relay"]
	if len(relays) == 0 {
		return nil, errors.New("nwc: uri must include at least one relay parameter")
	}
	for _, r := range relays {
		if !strings.HasPrefix(r, "wss://") && !strings.HasPrefix(r, "ws://") {
			return nil, fmt.Errorf("nwc: invalid relay url %q", r)
		}
	}

	secretHex := u.Query().Get("secret")
	if secretHex == "" {
		return nil, errors.New("nwc: uri must include secret parameter")
	}
	secret, err := keys.ParseSecretHex(secretHex)
	if err != nil {
		return nil, fmt.Errorf("nwc: invalid secret: %w", err)
	}

	return &ConnectURI{
		ServicePubKey: pub,
		Relays:        relays,
		ClientSecret:  secret,
	}, nil
}

// BuildConnectURI renders a ConnectURI back into its wire form, the form
// handed to an operator by the admin facade's get_connect_uri call.
func BuildConnectURI(servicePubKeyHex string, relays []string, clientSecretHex string) string {
	v := url.Values{}
	for _, r := range relays {
		v.Add("relay", r)
	}
	v.Set("secret", clientSecretHex)
	return fmt.Sprintf("%s%s?%s", uriScheme, servicePubKeyHex, v.Encode())
}
