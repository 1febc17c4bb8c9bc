package db

import "context"

// Schema is the subset of the mail store the daemons touch. The action
// column of delivery_recipients stores models.RecipientAction values.
const Schema = `
create extension if not exists pgcrypto;

create table if not exists addresses (
    id        bigserial primary key,
    name      text not null default '',
    localpart text not null,
    domain    text not null,
    unique (localpart, domain)
);

create table if not exists users (
    id       bigserial primary key,
    login    text not null unique,
    secret   text not null,
    address  bigint references addresses(id),
    inbox    bigint
);

create table if not exists mailboxes (
    id          bigserial primary key,
    name        text not null unique,
    owner       bigint references users(id),
    uidnext     integer not null default 1,
    uidvalidity integer not null default 1,
    nextmodseq  bigint not null default 1,
    deleted     boolean not null default false
);

create table if not exists aliases (
    id      bigserial primary key,
    address bigint not null references addresses(id),
    mailbox bigint not null references mailboxes(id)
);

create table if not exists permissions (
    mailbox    bigint not null references mailboxes(id),
    identifier text not null,
    rights     text not null,
    primary key (mailbox, identifier)
);

create table if not exists messages (
    id       bigserial primary key,
    idate    timestamptz not null default current_timestamp,
    rfc822size bigint not null default 0,
    blobkey  text
);

create table if not exists mailbox_messages (
    mailbox  bigint not null references mailboxes(id),
    uid      integer not null,
    message  bigint not null references messages(id),
    modseq   bigint not null,
    seen     boolean not null default false,
    deleted  boolean not null default false,
    primary key (mailbox, uid)
);

create table if not exists deleted_messages (
    mailbox    bigint not null,
    uid        integer not null,
    message    bigint not null,
    modseq     bigint not null,
    deleted_at timestamptz not null default current_timestamp
);

create table if not exists header_fields (
    message bigint not null references messages(id),
    field   text not null,
    value   text not null
);

create table if not exists address_fields (
    message bigint not null references messages(id),
    field   text not null,
    address bigint not null references addresses(id),
    number  integer not null default 0
);

create table if not exists bodyparts (
    message bigint not null references messages(id),
    part    text not null default '1',
    bytes   bigint not null default 0,
    lines   bigint not null default 0,
    data    bytea
);

create table if not exists annotations (
    mailbox bigint not null references mailboxes(id),
    uid     integer not null,
    entry   text not null,
    value   text not null,
    primary key (mailbox, uid, entry)
);

create table if not exists flags (
    mailbox bigint not null,
    uid     integer not null,
    flag    text not null,
    primary key (mailbox, uid, flag)
);

create table if not exists deliveries (
    id            bigserial primary key,
    message       bigint not null references messages(id),
    mailbox       bigint not null,
    uid           integer not null,
    sender        bigint not null references addresses(id),
    injected_at   timestamptz not null default current_timestamp,
    deliver_after timestamptz,
    expires_at    timestamptz,
    tried_at      timestamptz
);

create table if not exists delivery_recipients (
    delivery     bigint not null references deliveries(id),
    recipient    bigint not null references addresses(id),
    action       integer not null default 0,
    status       text not null default '',
    last_attempt timestamptz,
    primary key (delivery, recipient)
);
`

// EnsureSchema creates any missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}
