// Package channels implements the three process-wide routing fabrics that
// mediate all inter-component traffic in drasi-server:
//
//   - DataRouter: change events from sources to queries and result deltas from
//     queries to reactions, with a bounded FIFO buffer per subscriber and
//     blocking backpressure on the slowest subscriber.
//   - BootstrapRouter: request-reply bootstrap sessions between a query and a
//     source, delivering a finite ordered insert stream terminated by an
//     explicit completion marker carrying an optional position watermark.
//   - SubscriptionRouter: control messages (subscribe, unsubscribe, label
//     filter updates) from queries to sources and from reactions to queries.
//
// Within one (producer, subscriber) pair delivery is strictly FIFO. Components
// never share mutable state directly; everything crosses through these routers.
package channels
