// ABOUTME: Applies dispatched gateway events to the store and enriches them.
// ABOUTME: Static event-name table built once; unknown events pass through untouched.

package state

import (
	"encoding/json"
	"fmt"
)

// Event is a dispatched gateway event after cache application. Entity is the
// post-application snapshot where one applies; Before carries the prior
// snapshot for update events and the last known snapshot for delete events.
type Event struct {
	Name   string
	Shard  int
	Raw    json.RawMessage
	Entity *Entity
	Before *Entity
}

type applyFunc func(s *Store, ev *Event) error

// buildApplyTable is evaluated once at store construction. Event names map
// to typed handlers instead of being looked up dynamically per dispatch.
func buildApplyTable() map[string]applyFunc {
	return map[string]applyFunc{
		"READY":               applyReady,
		"GUILD_CREATE":        applyGuildCreate,
		"GUILD_UPDATE":        applyUpdate(KindGuild, "id"),
		"GUILD_DELETE":        applyDelete(KindGuild, "id"),
		"CHANNEL_CREATE":      applyCreate(KindChannel, "id"),
		"CHANNEL_UPDATE":      applyUpdate(KindChannel, "id"),
		"CHANNEL_DELETE":      applyDelete(KindChannel, "id"),
		"MESSAGE_CREATE":      applyCreate(KindMessage, "id"),
		"MESSAGE_UPDATE":      applyUpdate(KindMessage, "id"),
		"MESSAGE_DELETE":      applyDelete(KindMessage, "id"),
		"USER_UPDATE":         applyUpdate(KindUser, "id"),
		"GUILD_MEMBER_ADD":    applyMemberUpsert,
		"GUILD_MEMBER_UPDATE": applyMemberUpsert,
		"GUILD_MEMBER_REMOVE": applyMemberRemove,
		"GUILD_ROLE_CREATE":   applyRoleUpsert,
		"GUILD_ROLE_UPDATE":   applyRoleUpsert,
		"GUILD_ROLE_DELETE":   applyRoleDelete,
	}
}

// ApplyEvent mutates the store according to the named event and returns the
// enriched event. It is the only mutation path used by gateway sessions and
// is safe to call concurrently from different shards. Events with no
// registered handler pass through with the raw payload untouched.
func (s *Store) ApplyEvent(name string, shard int, data json.RawMessage) (*Event, error) {
	ev := &Event{Name: name, Shard: shard, Raw: data}

	fn, ok := s.applyByName[name]
	if !ok {
		return ev, nil
	}
	if err := fn(s, ev); err != nil {
		return ev, fmt.Errorf("applying %s: %w", name, err)
	}
	return ev, nil
}

func decodeFields(raw json.RawMessage) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func idOf(fields map[string]any, key string) (string, error) {
	v, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("payload missing %q", key)
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("payload field %q is not an id", key)
	}
	return id, nil
}

func applyCreate(kind, idKey string) applyFunc {
	return func(s *Store, ev *Event) error {
		fields, err := decodeFields(ev.Raw)
		if err != nil {
			return err
		}
		id, err := idOf(fields, idKey)
		if err != nil {
			return err
		}
		s.Upsert(kind, id, fields)
		ev.Entity, _ = s.Get(kind, id)
		return nil
	}
}

func applyUpdate(kind, idKey string) applyFunc {
	return func(s *Store, ev *Event) error {
		fields, err := decodeFields(ev.Raw)
		if err != nil {
			return err
		}
		id, err := idOf(fields, idKey)
		if err != nil {
			return err
		}
		ev.Before = s.Upsert(kind, id, fields)
		ev.Entity, _ = s.Get(kind, id)
		return nil
	}
}

func applyDelete(kind, idKey string) applyFunc {
	return func(s *Store, ev *Event) error {
		fields, err := decodeFields(ev.Raw)
		if err != nil {
			return err
		}
		id, err := idOf(fields, idKey)
		if err != nil {
			return err
		}
		if snapshot, ok := s.Remove(kind, id); ok {
			ev.Before = snapshot
		}
		return nil
	}
}

func applyReady(s *Store, ev *Event) error {
	fields, err := decodeFields(ev.Raw)
	if err != nil {
		return err
	}
	user, ok := fields["user"].(map[string]any)
	if !ok {
		return nil
	}
	id, err := idOf(user, "id")
	if err != nil {
		return err
	}
	s.Upsert(KindUser, id, user)
	ev.Entity, _ = s.Get(KindUser, id)
	return nil
}

// applyGuildCreate caches the guild and its nested channels, members, and
// roles, mirroring the upstream client's guild seeding.
func applyGuildCreate(s *Store, ev *Event) error {
	fields, err := decodeFields(ev.Raw)
	if err != nil {
		return err
	}
	guildID, err := idOf(fields, "id")
	if err != nil {
		return err
	}

	if channels, ok := fields["channels"].([]any); ok {
		for _, c := range channels {
			ch, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if id, err := idOf(ch, "id"); err == nil {
				ch["guild_id"] = guildID
				s.Upsert(KindChannel, id, ch)
			}
		}
	}
	if members, ok := fields["members"].([]any); ok {
		for _, m := range members {
			member, ok := m.(map[string]any)
			if !ok {
				continue
			}
			user, ok := member["user"].(map[string]any)
			if !ok {
				continue
			}
			if id, err := idOf(user, "id"); err == nil {
				member["guild_id"] = guildID
				s.Upsert(KindMember, id, member)
				s.Upsert(KindUser, id, user)
			}
		}
	}
	if roles, ok := fields["roles"].([]any); ok {
		for _, r := range roles {
			role, ok := r.(map[string]any)
			if !ok {
				continue
			}
			if id, err := idOf(role, "id"); err == nil {
				role["guild_id"] = guildID
				s.Upsert(KindRole, id, role)
			}
		}
	}

	s.Upsert(KindGuild, guildID, fields)
	ev.Entity, _ = s.Get(KindGuild, guildID)
	return nil
}

func applyMemberUpsert(s *Store, ev *Event) error {
	fields, err := decodeFields(ev.Raw)
	if err != nil {
		return err
	}
	user, ok := fields["user"].(map[string]any)
	if !ok {
		return fmt.Errorf("member payload missing user")
	}
	id, err := idOf(user, "id")
	if err != nil {
		return err
	}
	ev.Before = s.Upsert(KindMember, id, fields)
	s.Upsert(KindUser, id, user)
	ev.Entity, _ = s.Get(KindMember, id)
	return nil
}

func applyMemberRemove(s *Store, ev *Event) error {
	fields, err := decodeFields(ev.Raw)
	if err != nil {
		return err
	}
	user, ok := fields["user"].(map[string]any)
	if !ok {
		return fmt.Errorf("member payload missing user")
	}
	id, err := idOf(user, "id")
	if err != nil {
		return err
	}
	if snapshot, ok := s.Remove(KindMember, id); ok {
		ev.Before = snapshot
	}
	return nil
}

func applyRoleUpsert(s *Store, ev *Event) error {
	fields, err := decodeFields(ev.Raw)
	if err != nil {
		return err
	}
	role, ok := fields["role"].(map[string]any)
	if !ok {
		return fmt.Errorf("role payload missing role")
	}
	id, err := idOf(role, "id")
	if err != nil {
		return err
	}
	if guildID, ok := fields["guild_id"].(string); ok {
		role["guild_id"] = guildID
	}
	ev.Before = s.Upsert(KindRole, id, role)
	ev.Entity, _ = s.Get(KindRole, id)
	return nil
}

func applyRoleDelete(s *Store, ev *Event) error {
	fields, err := decodeFields(ev.Raw)
	if err != nil {
		return err
	}
	id, err := idOf(fields, "role_id")
	if err != nil {
		return err
	}
	if snapshot, ok := s.Remove(KindRole, id); ok {
		ev.Before = snapshot
	}
	return nil
}
