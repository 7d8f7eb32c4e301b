/*
# SGX Attestation Data Types

This package contains data types and parsing functions used for SGX DCAP attestation.

## SGX Quote Format

	A version 3 SGX quote using an ECDSA-P256 attestation key looks like this:

	        SGXQuote3                          ECDSA256QuoteV3AuthData
	        ParseQuote                            parseSignature
	┌─────────────────────────┐       ┌───────────────────────────────────────┐
	│     SGXQuote3Header     │       │              Signature                │
	│       (48 bytes)        │       │              (64 bytes)               │
	├─────────────────────────┤       ├───────────────────────────────────────┤
	│                         │       │              PublicKey                │
	│      EnclaveReport      │       │              (64 bytes)               │
	│       (384 bytes)       │       ├───────────────────────────────────────┤
	│                         │       │          QEReport (EnclaveReport)     │
	├─────────────────────────┤       │              (384 bytes)              │
	│     SignatureLength     │       ├───────────────────────────────────────┤
	│        (4 bytes)        │       │          QEReportSignature            │
	├─────────────────────────┤       │              (64 bytes)               │
	│                         │       ├───────────────────────────────────────┤
	│        Signature        │       │              QEAuthData               │
	│ ECDSA256QuoteV3AuthData ├──────►│   ParsedDataSize (2 bytes) + Data     │
	│       (variable)        │       ├───────────────────────────────────────┤
	│                         │       │          CertificationData            │
	└─────────────────────────┘       │   Type (2 bytes)                      │
	                                  │   ParsedDataSize (4 bytes)            │
	                                  │   Data (variable)                     │
	                                  │                                       │
	                                  │   type == 5: PCK_ID_PCK_CERT_CHAIN    │
	                                  │   PEM chain, terminated with \0 byte  │
	                                  └───────────────────────────────────────┘

## PCK Certificate SGX Extension

The leaf certificate of the PCK chain carries Intel's SGX extension (OID 1.2.840.113741.1.13.1).
It is a sequence of (OID, value) pairs. [ParsePCKExtension] extracts the fields needed to
select and match TCB levels: PPID, FMSPC, the 16 TCB component SVNs, PCESVN and CPUSVN.
Unknown entries are skipped so newer certificates can still be parsed.
*/
package types
