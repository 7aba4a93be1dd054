package main

import (
	"fmt"

	"github.com/openkim/kimgate/config"
	"github.com/openkim/kimgate/directory"
	"github.com/openkim/kimgate/konnektor"
)

// The core treats the Konnektor and the certificate directory as interfaces;
// the SOAP and LDAP transports live in deployment builds. A deployment adds a
// file to this package assigning the two factories in an init function, and
// buildCollaborators invokes them when the matching config section is set.
var (
	// newKonnektorServices builds the card and crypto services for the
	// configured Konnektor endpoint.
	newKonnektorServices func(cfg config.KonnektorConfig) (konnektor.CardService, konnektor.CryptoService, error)

	// newDirectoryResolver builds the certificate resolver for the
	// configured directory host.
	newDirectoryResolver func(cfg config.DirectoryConfig) (directory.Resolver, error)
)

// collaborators holds the transport-backed services wired into the pipeline.
// All fields may be nil; the gateway then serves messages with only the
// offload pipeline applied.
type collaborators struct {
	cardService   konnektor.CardService
	cryptoService konnektor.CryptoService
	resolver      directory.Resolver
}

// buildCollaborators instantiates the services whose config sections are
// present. A configured section without a linked transport is a startup
// error, not a silent downgrade.
func buildCollaborators(cfg config.Config) (collaborators, error) {
	var c collaborators

	if cfg.Konnektor.Endpoint != "" {
		if newKonnektorServices == nil {
			return c, fmt.Errorf("konnektor.endpoint is set but no konnektor transport is linked into this build")
		}
		cards, crypto, err := newKonnektorServices(cfg.Konnektor)
		if err != nil {
			return c, fmt.Errorf("failed to build konnektor services: %w", err)
		}
		c.cardService = cards
		c.cryptoService = crypto
	}

	if cfg.Directory.Host != "" {
		if newDirectoryResolver == nil {
			return c, fmt.Errorf("directory.host is set but no directory transport is linked into this build")
		}
		resolver, err := newDirectoryResolver(cfg.Directory)
		if err != nil {
			return c, fmt.Errorf("failed to build directory resolver: %w", err)
		}
		c.resolver = resolver
	}

	return c, nil
}
