// Package model defines data structures for the marketplace messaging service.
package model

import (
	"time"
)

// UserType is the side of the marketplace an identity belongs to.
type UserType string

const (
	UserTypeCustomer UserType = "CUSTOMER"
	UserTypeVendor   UserType = "VENDOR"
)

// Valid reports whether t is a known user type.
func (t UserType) Valid() bool {
	return t == UserTypeCustomer || t == UserTypeVendor
}

// Other returns the opposite side of the conversation.
func (t UserType) Other() UserType {
	if t == UserTypeCustomer {
		return UserTypeVendor
	}
	return UserTypeCustomer
}

// Role is the lowercase form used in typing keys.
func (t UserType) Role() string {
	if t == UserTypeVendor {
		return "vendor"
	}
	return "customer"
}

// Identity is an authenticated caller.
type Identity struct {
	UserID   string   `json:"userId"`
	UserType UserType `json:"userType"`
}

// Thread is the durable conversation between one customer and one vendor.
type Thread struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
	VendorID   string `json:"vendorId"`

	// Denormalized preview of the latest message
	LastMessage     *string    `json:"lastMessage"`
	LastMessageTime *time.Time `json:"lastMessageTime"`

	CustomerUnreadCount int `json:"customerUnreadCount"`
	VendorUnreadCount   int `json:"vendorUnreadCount"`

	IsArchived bool      `json:"isArchived"`
	IsBlocked  bool      `json:"isBlocked"`
	BlockedBy  *UserType `json:"blockedBy,omitempty"`
	BookingID  *string   `json:"bookingId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Participant reports whether id is the thread's customer or vendor on the matching side.
func (t *Thread) Participant(id Identity) bool {
	switch id.UserType {
	case UserTypeCustomer:
		return t.CustomerID == id.UserID
	case UserTypeVendor:
		return t.VendorID == id.UserID
	}
	return false
}

// Counterpart returns the identity on the other side of the thread.
func (t *Thread) Counterpart(side UserType) Identity {
	if side == UserTypeCustomer {
		return Identity{UserID: t.VendorID, UserType: UserTypeVendor}
	}
	return Identity{UserID: t.CustomerID, UserType: UserTypeCustomer}
}

// UnreadFor returns the unread counter belonging to side.
func (t *Thread) UnreadFor(side UserType) int {
	if side == UserTypeVendor {
		return t.VendorUnreadCount
	}
	return t.CustomerUnreadCount
}

// UnreadCounts is the pair of per-side unread counters.
type UnreadCounts struct {
	Customer int `json:"customer"`
	Vendor   int `json:"vendor"`
}

// Counts returns the thread's current unread counters.
func (t *Thread) Counts() UnreadCounts {
	return UnreadCounts{Customer: t.CustomerUnreadCount, Vendor: t.VendorUnreadCount}
}

// CreateThreadRequest is the request to create or fetch a thread.
// Customers supply VendorID; vendors supply CustomerID.
type CreateThreadRequest struct {
	VendorID   string  `json:"vendorId,omitempty"`
	CustomerID string  `json:"customerId,omitempty"`
	BookingID  *string `json:"bookingId,omitempty"`
}

// UpdateThreadRequest toggles thread flags.
type UpdateThreadRequest struct {
	IsArchived *bool `json:"isArchived,omitempty"`
	IsBlocked  *bool `json:"isBlocked,omitempty"`
}

// PartySummary describes the other participant of a thread.
type PartySummary struct {
	UserID   string     `json:"userId"`
	UserType UserType   `json:"userType"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// ThreadSummary is a thread as seen from one participant.
type ThreadSummary struct {
	Thread      Thread       `json:"thread"`
	UnreadCount int          `json:"unreadCount"`
	OtherParty  PartySummary `json:"otherParty"`
}

// ListThreadsResponse is the response for listing threads.
type ListThreadsResponse struct {
	Threads []ThreadSummary `json:"threads"`
	Total   int             `json:"total"`
}

// Presence is the derived online state of a user.
type Presence struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}
