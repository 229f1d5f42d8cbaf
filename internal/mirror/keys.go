package mirror

// Key prefix for mirror items.
const PrefixItem = "ITEM#"

// Attribute names for DynamoDB items.
const (
	AttrAccountID      = "accountId"
	AttrProviderItemID = "providerItemId"
	AttrKind           = "kind"
	AttrThreadID       = "threadId"
	AttrSubject        = "subject"
	AttrFrom           = "from"
	AttrSnippet        = "snippet"
	AttrLabels         = "labels"
	AttrReceivedAt     = "receivedAt"
	AttrDeleted        = "deleted"
	AttrContentHash    = "contentHash"
	AttrSource         = "source"
	AttrUpdatedAt      = "updatedAt"
)
