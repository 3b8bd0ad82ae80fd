// Package ap2 implements the mandate and payment orchestration core of the
// Agent Payment Protocol (AP2). It aggregates the mandate chain data model,
// the three party roles, and the A2A message envelope under a single module
// so shopping agents, merchants, and credentials providers can share common
// helpers, models, and documentation.
//
// # Mandate chain
//
// A purchase is authorized through a chain of cryptographically linked
// mandates: an [IntentMandate] created on user request, a [CartMandate]
// countersigned by the merchant as a fulfillment guarantee, and a
// [PaymentMandate] bound to the signed cart. Each stage is immutable once
// signed and carries a reference to its predecessor.
//
// # Party roles
//
//   - [Orchestrator] drives the end-to-end purchase as a forward-only state
//     machine, emitting one A2A envelope per transition.
//   - [MerchantService] owns catalog and inventory, validates carts, signs
//     cart mandates, reserves stock, and fulfills orders.
//   - [CredentialsService] owns user credentials and runs the payment
//     pipeline: session, authorization with risk scoring, OTP challenge,
//     capture, and refunds.
//
// # A2A envelopes
//
// Parties exchange typed envelopes built and validated by a [Registry]. Use
// [NewA2AHandler] to expose a party's inbox over `net/http`; handler options
// such as [WithSignatureVerifier] and [WithRequireSignedRequests] enforce
// the canonical JSON signatures and timestamp skew requirements of the
// protocol. Signature verification is advisory in this core: the
// [signature.Verifier] contract point exists so real key management can be
// swapped in without touching callers.
package ap2
