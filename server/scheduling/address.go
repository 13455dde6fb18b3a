package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cyp0633/caldora-scheduling/config"
	"github.com/cyp0633/caldora-scheduling/server/calobj"
	"github.com/cyp0633/caldora-scheduling/server/storage"
)

// UserKind tags the role a calendar user address resolves to.
type UserKind int

const (
	// KindInvalid means the address cannot take part in scheduling.
	KindInvalid UserKind = iota
	// KindLocal is a principal hosted on this node, with inbox/outbox.
	KindLocal
	// KindRemote is a user in a foreign domain reached server-to-server.
	KindRemote
	// KindPartitioned is a user hosted by another node of this service.
	KindPartitioned
)

func (k UserKind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	case KindPartitioned:
		return "partitioned"
	default:
		return "invalid"
	}
}

// CalendarUser is a resolved calendar user address.
type CalendarUser struct {
	Kind UserKind
	// Address is the normalized calendar user address.
	Address string
	// User, InboxPath and OutboxPath are set for local users.
	User       *storage.User
	InboxPath  string
	OutboxPath string
	// Domain is set for remote users.
	Domain string
	// Node is set for partitioned users.
	Node string
}

// AddressResolver resolves calendar user addresses.
type AddressResolver interface {
	Resolve(ctx context.Context, address string) (CalendarUser, error)
}

// DirectoryResolver resolves addresses against the principal directory
// in storage, classifying unknown addresses by domain via configuration.
type DirectoryResolver struct {
	Storage storage.Storage
	Config  *config.Config
	Logger  *slog.Logger
}

// Resolve implements AddressResolver. Only storage failures produce an
// error; an unresolvable address is a valid result of KindInvalid.
func (r *DirectoryResolver) Resolve(ctx context.Context, address string) (CalendarUser, error) {
	normalized := calobj.NormalizeAddress(address)
	if normalized == "" {
		return CalendarUser{Kind: KindInvalid, Address: normalized}, nil
	}

	user, err := r.Storage.GetUserByAddress(ctx, normalized)
	if err == nil {
		return r.localUser(normalized, user), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return CalendarUser{}, fmt.Errorf("failed to resolve %q: %w", normalized, err)
	}

	domain := addressDomain(normalized)
	if domain == "" {
		r.Logger.Debug("address has no domain, treating as invalid", "address", normalized)
		return CalendarUser{Kind: KindInvalid, Address: normalized}, nil
	}

	settings := r.Config.Snapshot()
	if node, ok := settings.PartitionNodes[domain]; ok {
		return CalendarUser{Kind: KindPartitioned, Address: normalized, Node: node}, nil
	}
	for _, local := range settings.LocalDomains {
		if strings.EqualFold(local, domain) {
			// Hosted domain but no such principal.
			r.Logger.Debug("address in local domain has no principal", "address", normalized)
			return CalendarUser{Kind: KindInvalid, Address: normalized}, nil
		}
	}
	return CalendarUser{Kind: KindRemote, Address: normalized, Domain: domain}, nil
}

func (r *DirectoryResolver) localUser(address string, user *storage.User) CalendarUser {
	inbox := user.InboxPath
	outbox := user.OutboxPath
	if inbox == "" {
		inbox = user.Path + "inbox/"
	}
	if outbox == "" {
		outbox = user.Path + "outbox/"
	}
	return CalendarUser{
		Kind:       KindLocal,
		Address:    address,
		User:       user,
		InboxPath:  inbox,
		OutboxPath: outbox,
	}
}

// addressDomain extracts the domain of a mailto: style address.
func addressDomain(address string) string {
	address = strings.TrimPrefix(address, "mailto:")
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return address[at+1:]
}
