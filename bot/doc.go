// Package bot owns the token lifecycle and the event-subscription state of the chat bot.
//
// It provides:
//   - Cache: the process-wide credential index consulted by the transport before
//     authenticated calls.
//   - SubscriptionManager: derives and issues EventSub chat subscriptions, reporting
//     per-descriptor failures instead of failing the batch.
//   - AuthorizationHandler: validate -> persist -> cache -> subscribe for every new grant.
//   - Bot: the bootstrap sequence (Prime, Run) and the event dispatcher.
//
// Durable storage and the Twitch transport are collaborators behind the TokenStore and
// Transport interfaces; the db and twitchapi packages implement them.
package bot
