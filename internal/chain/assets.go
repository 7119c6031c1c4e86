// Package chain models the external token contracts the marketplace talks to:
// an NFT registry with per-token approvals and a fungible platform token.
package chain

import (
	"errors"
	"fmt"
	"sort"

	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotOwner     = errors.New("caller is not the token owner")
	ErrNotApproved  = errors.New("marketplace is not approved for token")
	ErrUnknownAsset = errors.New("unknown asset")
	ErrAssetExists  = errors.New("asset already minted")
)

// Asset is the ownership record of one NFT.
type Asset struct {
	Ref      models.AssetRef `json:"ref"`
	Owner    common.Address  `json:"owner"`
	Approved common.Address  `json:"approved"`
}

type AssetRegistry struct {
	assets  map[models.AssetRef]*Asset
	touched map[models.AssetRef]struct{}
}

func NewAssetRegistry() *AssetRegistry {
	return &AssetRegistry{
		assets:  make(map[models.AssetRef]*Asset),
		touched: make(map[models.AssetRef]struct{}),
	}
}

func (r *AssetRegistry) Clone() *AssetRegistry {
	c := NewAssetRegistry()
	for k, a := range r.assets {
		cp := *a
		c.assets[k] = &cp
	}
	return c
}

func (r *AssetRegistry) Mint(ref models.AssetRef, owner common.Address) error {
	if owner == (common.Address{}) {
		return fmt.Errorf("mint %s: zero owner", ref)
	}
	if _, ok := r.assets[ref]; ok {
		return fmt.Errorf("%w: %s", ErrAssetExists, ref)
	}
	r.assets[ref] = &Asset{Ref: ref, Owner: owner}
	r.touched[ref] = struct{}{}
	return nil
}

func (r *AssetRegistry) OwnerOf(ref models.AssetRef) (common.Address, error) {
	a, ok := r.assets[ref]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownAsset, ref)
	}
	return a.Owner, nil
}

func (r *AssetRegistry) Get(ref models.AssetRef) (*Asset, bool) {
	a, ok := r.assets[ref]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// Approve lets operator move the token on the owner's behalf.
func (r *AssetRegistry) Approve(caller common.Address, ref models.AssetRef, operator common.Address) error {
	a, ok := r.assets[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, ref)
	}
	if a.Owner != caller {
		return fmt.Errorf("%w: %s", ErrNotOwner, ref)
	}
	a.Approved = operator
	r.touched[ref] = struct{}{}
	return nil
}

// IsApproved is the capability check run before the marketplace moves a token.
func (r *AssetRegistry) IsApproved(ref models.AssetRef, operator common.Address) bool {
	a, ok := r.assets[ref]
	if !ok {
		return false
	}
	return a.Owner == operator || a.Approved == operator
}

// TransferFrom moves the token from `from` to `to`, performed by operator.
// Approval is cleared on every transfer.
func (r *AssetRegistry) TransferFrom(operator, from, to common.Address, ref models.AssetRef) error {
	a, ok := r.assets[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, ref)
	}
	if a.Owner != from {
		return fmt.Errorf("%w: %s is owned by %s", ErrNotOwner, ref, a.Owner.Hex())
	}
	if operator != from && a.Approved != operator {
		return fmt.Errorf("%w: %s", ErrNotApproved, ref)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("transfer %s: zero recipient", ref)
	}
	a.Owner = to
	a.Approved = common.Address{}
	r.touched[ref] = struct{}{}
	return nil
}

// OwnedBy lists the assets held by owner, sorted for stable output.
func (r *AssetRegistry) OwnedBy(owner common.Address) []Asset {
	var out []Asset
	for _, a := range r.assets {
		if a.Owner == owner {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.String() < out[j].Ref.String() })
	return out
}

// Touched returns the records written since creation or the last clone.
func (r *AssetRegistry) Touched() []Asset {
	out := make([]Asset, 0, len(r.touched))
	for ref := range r.touched {
		out = append(out, *r.assets[ref])
	}
	return out
}

func RestoreAssets(assets []Asset) *AssetRegistry {
	r := NewAssetRegistry()
	for _, a := range assets {
		cp := a
		r.assets[a.Ref] = &cp
	}
	return r
}
