package redisrepo

import (
	"fmt"
	"strconv"
)

const ns = "tixrush:v1"

const (
	StreamIntents   = ns + ":intents"
	GroupAllocators = "allocators"
)

func KeyUserPurchases(userID int64) string {
	return fmt.Sprintf("%s:user:%d:purchases", ns, userID)
}

// KeyUserPurchasesGen counts invalidations of the user's purchase records.
func KeyUserPurchasesGen(userID int64) string {
	return fmt.Sprintf("%s:user:%d:purchases:gen", ns, userID)
}

func KeyIntentSubmitted(requestID string) string {
	return fmt.Sprintf("%s:intent:%s:submitted", ns, requestID)
}

func KeyBucket(limitKey string) string {
	return ns + ":bucket:" + limitKey
}

// KeyBucketSeen marks that the bucket under limitKey was created at least
// once. It never expires.
func KeyBucketSeen(limitKey string) string {
	return ns + ":bucket-seen:" + limitKey
}

func KeyInventory(date string) string {
	return ns + ":inventory:" + date
}

// KeyIdemPurchase scopes a client idempotency key to the submitting user.
func KeyIdemPurchase(userID int64, idemKey string) string {
	return ns + ":idem:purchases:" + formatInt(userID) + ":" + idemKey
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
