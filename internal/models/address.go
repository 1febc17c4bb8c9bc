package models

import "fmt"

// AddressType classifies an envelope address.
type AddressType int

const (
	// NormalAddress is an ordinary localpart@domain address.
	NormalAddress AddressType = iota
	// BounceAddress is the empty reverse-path used by DSNs.
	BounceAddress
	// InvalidAddress could not be parsed.
	InvalidAddress
)

// Address is a mail address as stored in the addresses table.
type Address struct {
	ID        int64
	Name      string
	Localpart string
	Domain    string
	Type      AddressType
}

// NewAddress creates a normal address from localpart and domain. An
// empty localpart and domain produce the bounce address <>.
func NewAddress(name, localpart, domain string) *Address {
	t := NormalAddress
	if localpart == "" && domain == "" {
		t = BounceAddress
	}
	return &Address{Name: name, Localpart: localpart, Domain: domain, Type: t}
}

// LpDomain returns localpart@domain, or an empty string for the
// bounce address.
func (a *Address) LpDomain() string {
	if a.Type == BounceAddress {
		return ""
	}
	return a.Localpart + "@" + a.Domain
}

func (a *Address) String() string {
	if a.Type == BounceAddress {
		return "<>"
	}
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.LpDomain())
	}
	return "<" + a.LpDomain() + ">"
}
