package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

///
/// Tree hash inputs
///

type ParentNodeInfo struct {
	PublicKey      HPKEPublicKey
	UnmergedLeaves []leafIndex `tls:"head=4"`
}

type ParentNodeHashInput struct {
	NodeIndex uint32
	Info      *ParentNodeInfo `tls:"optional"`
	LeftHash  []byte          `tls:"head=1"`
	RightHash []byte          `tls:"head=1"`
}

type LeafNodeInfo struct {
	PublicKey  HPKEPublicKey
	Credential Credential
}

type LeafNodeHashInput struct {
	NodeIndex uint32
	Info      *LeafNodeInfo `tls:"optional"`
}

///
/// RatchetTreeNode
///

// Leaves carry a credential, parents carry unmerged leaves.
type RatchetTreeNode struct {
	PublicKey      HPKEPublicKey
	UnmergedLeaves []leafIndex `tls:"head=4"`
	Credential     *Credential `tls:"optional"`
}

func (n RatchetTreeNode) Equals(o RatchetTreeNode) bool {
	if (n.Credential == nil) != (o.Credential == nil) {
		return false
	}

	if n.Credential != nil && !n.Credential.Equals(*o.Credential) {
		return false
	}

	if len(n.UnmergedLeaves) != len(o.UnmergedLeaves) {
		return false
	}

	for i := range n.UnmergedLeaves {
		if n.UnmergedLeaves[i] != o.UnmergedLeaves[i] {
			return false
		}
	}

	return n.PublicKey.Equals(o.PublicKey)
}

func (n RatchetTreeNode) clone() RatchetTreeNode {
	cloned := RatchetTreeNode{
		PublicKey:      HPKEPublicKey{dup(n.PublicKey.Data)},
		UnmergedLeaves: make([]leafIndex, len(n.UnmergedLeaves)),
		Credential:     n.Credential,
	}
	copy(cloned.UnmergedLeaves, n.UnmergedLeaves)
	return cloned
}

type OptionalRatchetNode struct {
	Node *RatchetTreeNode `tls:"optional"`
}

func (n OptionalRatchetNode) blank() bool {
	return n.Node == nil
}

func (n OptionalRatchetNode) Equals(o OptionalRatchetNode) bool {
	switch {
	case n.blank() != o.blank():
		return false
	case n.blank():
		return true
	}
	return n.Node.Equals(*o.Node)
}

func (n OptionalRatchetNode) clone() OptionalRatchetNode {
	if n.blank() {
		return OptionalRatchetNode{}
	}

	node := n.Node.clone()
	return OptionalRatchetNode{Node: &node}
}

///
/// UpdatePath
///

//	struct {
//	    HPKEPublicKey public_key;
//	    HPKECiphertext encrypted_path_secret<0..2^32-1>;
//	} UpdatePathNode;
type UpdatePathNode struct {
	PublicKey           HPKEPublicKey
	EncryptedPathSecret []HPKECiphertext `tls:"head=4"`
}

//	struct {
//	    HPKEPublicKey leaf_key;
//	    UpdatePathNode nodes<0..2^32-1>;
//	} UpdatePath;
type UpdatePath struct {
	LeafKey HPKEPublicKey
	Nodes   []UpdatePathNode `tls:"head=4"`
}

///
/// Ratchet Tree
///

type nodePrivateKey struct {
	Node nodeIndex
	Key  HPKEPrivateKey
}

// TreeSecrets is the serializable form of the private keys this member
// holds for tree nodes.
type TreeSecrets struct {
	PrivateKeys []nodePrivateKey `tls:"head=4"`
}

type RatchetTree struct {
	Suite       CipherSuite                  `tls:"omit"`
	Nodes       []OptionalRatchetNode        `tls:"head=4"`
	privateKeys map[nodeIndex]HPKEPrivateKey `tls:"omit"`
}

func newRatchetTree(suite CipherSuite) *RatchetTree {
	return &RatchetTree{
		Suite:       suite,
		Nodes:       []OptionalRatchetNode{},
		privateKeys: map[nodeIndex]HPKEPrivateKey{},
	}
}

func (t RatchetTree) MarshalTLS() ([]byte, error) {
	return syntax.Marshal(struct {
		Nodes []OptionalRatchetNode `tls:"head=4"`
	}{t.Nodes})
}

func (t *RatchetTree) UnmarshalTLS(data []byte) (int, error) {
	var list struct {
		Nodes []OptionalRatchetNode `tls:"head=4"`
	}

	read, err := syntax.Unmarshal(data, &list)
	if err != nil {
		return 0, fmt.Errorf("mls.rtn: unmarshal failed: %v", err)
	}

	if len(list.Nodes) > 0 && len(list.Nodes)%2 == 0 {
		return 0, fmt.Errorf("mls.rtn: even node count %d", len(list.Nodes))
	}

	for i, n := range list.Nodes {
		if n.blank() {
			continue
		}

		leaf := isLeaf(nodeIndex(i))
		if leaf && n.Node.Credential == nil {
			return 0, fmt.Errorf("mls.rtn: leaf %d without credential", i)
		}
		if !leaf && n.Node.Credential != nil {
			return 0, fmt.Errorf("mls.rtn: parent %d with credential", i)
		}
		if leaf && len(n.Node.UnmergedLeaves) > 0 {
			return 0, fmt.Errorf("mls.rtn: leaf %d with unmerged leaves", i)
		}
		if err := checkUnmerged(list.Nodes, nodeIndex(i)); err != nil {
			return 0, err
		}
	}

	t.Nodes = list.Nodes
	t.privateKeys = map[nodeIndex]HPKEPrivateKey{}
	return read, nil
}

// checkUnmerged requires every unmerged leaf of parent x to be an
// occupied leaf below x.
func checkUnmerged(nodes []OptionalRatchetNode, x nodeIndex) error {
	span := nodeIndex(1)<<level(x) - 1
	for _, l := range nodes[x].Node.UnmergedLeaves {
		if 2*uint64(l) >= uint64(len(nodes)) {
			return fmt.Errorf("mls.rtn: node %d lists unmerged leaf %d outside the tree", x, l)
		}

		n := toNodeIndex(l)
		switch {
		case nodes[n].blank():
			return fmt.Errorf("mls.rtn: node %d lists blank unmerged leaf %d", x, l)
		case n+span < x || n > x+span:
			return fmt.Errorf("mls.rtn: node %d lists unmerged leaf %d outside its subtree", x, l)
		}
	}
	return nil
}

func (t *RatchetTree) size() leafCount {
	return leafWidth(nodeCount(len(t.Nodes)))
}

func (t *RatchetTree) occupied(l leafIndex) bool {
	n := toNodeIndex(l)
	if int(n) >= len(t.Nodes) {
		return false
	}
	return !t.Nodes[n].blank()
}

func (t *RatchetTree) LeftmostFree() leafIndex {
	curr := leafIndex(0)
	for t.occupied(curr) {
		curr++
	}
	return curr
}

func (t *RatchetTree) AddLeaf(index leafIndex, key HPKEPublicKey, cred Credential) error {
	if t.occupied(index) {
		return fmt.Errorf("mls.rtn: leaf %d is occupied", index)
	}

	n := toNodeIndex(index)
	for len(t.Nodes) <= int(n) {
		t.Nodes = append(t.Nodes, OptionalRatchetNode{})
	}

	credCopy := cred
	t.Nodes[n] = OptionalRatchetNode{
		Node: &RatchetTreeNode{
			PublicKey:      key,
			UnmergedLeaves: []leafIndex{},
			Credential:     &credCopy,
		},
	}

	for _, v := range dirpath(n, t.size()) {
		if t.Nodes[v].blank() {
			continue
		}
		t.Nodes[v].Node.UnmergedLeaves = append(t.Nodes[v].Node.UnmergedLeaves, index)
	}
	return nil
}

func (t *RatchetTree) credential(l leafIndex) (*Credential, error) {
	if !t.occupied(l) {
		return nil, fmt.Errorf("mls.rtn: credential requested for blank leaf %d", l)
	}
	return t.Nodes[toNodeIndex(l)].Node.Credential, nil
}

// Find locates the leaf advertising the given init key and credential.
func (t *RatchetTree) Find(key HPKEPublicKey, cred Credential) (leafIndex, bool) {
	for l := leafIndex(0); leafCount(l) < t.size(); l++ {
		if !t.occupied(l) {
			continue
		}

		node := t.Nodes[toNodeIndex(l)].Node
		if node.PublicKey.Equals(key) && node.Credential.Equals(cred) {
			return l, true
		}
	}
	return 0, false
}

// FindIdentity reports whether any leaf carries the given credential
// identity, whatever its keys.
func (t *RatchetTree) FindIdentity(identity []byte) (leafIndex, bool) {
	for l := leafIndex(0); leafCount(l) < t.size(); l++ {
		if !t.occupied(l) {
			continue
		}

		if string(t.Nodes[toNodeIndex(l)].Node.Credential.Identity()) == string(identity) {
			return l, true
		}
	}
	return 0, false
}

func (t *RatchetTree) resolve(n nodeIndex) []nodeIndex {
	if !t.Nodes[n].blank() {
		res := []nodeIndex{n}
		for _, l := range t.Nodes[n].Node.UnmergedLeaves {
			res = append(res, toNodeIndex(l))
		}
		return res
	}

	if isLeaf(n) {
		return []nodeIndex{}
	}

	l := t.resolve(left(n))
	r := t.resolve(right(n, t.size()))
	return append(l, r...)
}

///
/// Path secrets
///

func (t *RatchetTree) pathStep(pathSecret []byte) []byte {
	return t.Suite.hkdfExpandLabel(pathSecret, "path", []byte{}, t.Suite.Constants().SecretSize)
}

func (t *RatchetTree) nodePrivateKey(pathSecret []byte) (HPKEPrivateKey, error) {
	ns := t.Suite.hkdfExpandLabel(pathSecret, "node", []byte{}, t.Suite.Constants().SecretSize)
	return t.Suite.hpke().Derive(ns)
}

// pathSecrets returns the secret for every node on from's direct path,
// plus the commit secret one step past the root.
func (t *RatchetTree) pathSecrets(from leafIndex, leafSecret []byte) (map[nodeIndex][]byte, []byte) {
	secrets := map[nodeIndex][]byte{}
	curr := leafSecret
	for _, n := range dirpath(toNodeIndex(from), t.size()) {
		curr = t.pathStep(curr)
		secrets[n] = curr
	}
	return secrets, t.pathStep(curr)
}

// Encap refreshes every key on from's direct path and encrypts each new
// path secret to the resolution of the matching copath node. The returned
// map lets the caller hand a joiner the secret at its common ancestor.
func (t *RatchetTree) Encap(from leafIndex, context, leafSecret []byte) (*UpdatePath, map[nodeIndex][]byte, []byte, error) {
	leafNode := toNodeIndex(from)
	if t.Nodes[leafNode].blank() {
		return nil, nil, nil, fmt.Errorf("mls.rtn: encap from blank leaf %d", from)
	}

	leafPriv, err := t.nodePrivateKey(leafSecret)
	if err != nil {
		return nil, nil, nil, err
	}
	t.setPrivate(leafNode, leafPriv)

	path := &UpdatePath{LeafKey: leafPriv.PublicKey}
	secrets, commitSecret := t.pathSecrets(from, leafSecret)

	dp := dirpath(leafNode, t.size())
	cp := copath(leafNode, t.size())
	for i, n := range dp {
		pathSecret := secrets[n]
		priv, err := t.nodePrivateKey(pathSecret)
		if err != nil {
			return nil, nil, nil, err
		}

		node := UpdatePathNode{
			PublicKey:           priv.PublicKey,
			EncryptedPathSecret: []HPKECiphertext{},
		}
		for _, r := range t.resolve(cp[i]) {
			ct, err := t.Suite.hpke().Encrypt(t.Nodes[r].Node.PublicKey, context, pathSecret)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("mls.rtn: encap encrypt to %d failed: %v", r, err)
			}
			node.EncryptedPathSecret = append(node.EncryptedPathSecret, ct)
		}

		t.ensureInit(n)
		t.setPrivate(n, priv)
		path.Nodes = append(path.Nodes, node)
	}

	return path, secrets, commitSecret, nil
}

// Decap applies an update path sent by from, as seen by the member at to,
// and returns the commit secret.
func (t *RatchetTree) Decap(from, to leafIndex, context []byte, path *UpdatePath) ([]byte, error) {
	if from == to {
		return nil, fmt.Errorf("mls.rtn: cannot decap own path")
	}

	fromNode := toNodeIndex(from)
	dp := dirpath(fromNode, t.size())
	cp := copath(fromNode, t.size())
	if len(path.Nodes) != len(dp) {
		return nil, fmt.Errorf("mls.rtn: malformed update path %d != %d", len(path.Nodes), len(dp))
	}

	overlap := ancestor(from, to)
	step := -1
	for i, n := range dp {
		if n == overlap {
			step = i
			break
		}
	}
	if step < 0 {
		return nil, fmt.Errorf("mls.rtn: no common ancestor for %d and %d", from, to)
	}

	res := t.resolve(cp[step])
	encrypted := path.Nodes[step].EncryptedPathSecret
	if len(encrypted) != len(res) {
		return nil, fmt.Errorf("mls.rtn: malformed path node %d", step)
	}

	var pathSecret []byte
	for i, r := range res {
		priv, ok := t.privateKeys[r]
		if !ok {
			continue
		}

		secret, err := t.Suite.hpke().Decrypt(priv, context, encrypted[i])
		if err != nil {
			return nil, fmt.Errorf("mls.rtn: path secret decryption failed at %d: %v", r, err)
		}
		pathSecret = secret
		break
	}

	if pathSecret == nil {
		return nil, fmt.Errorf("mls.rtn: no private key available for decrypt")
	}

	t.setPublic(fromNode, path.LeafKey)
	for i, n := range dp {
		t.ensureInit(n)
		t.setPublic(n, path.Nodes[i].PublicKey)
		delete(t.privateKeys, n)
	}

	return t.Implant(overlap, pathSecret)
}

// Implant installs private keys from start to the root, checking that each
// derived key matches the public key already in the tree.
func (t *RatchetTree) Implant(start nodeIndex, pathSecret []byte) ([]byte, error) {
	curr := pathSecret
	n := start
	r := root(t.size())
	for {
		if t.Nodes[n].blank() {
			return nil, fmt.Errorf("mls.rtn: attempt to implant blank node %d", n)
		}

		priv, err := t.nodePrivateKey(curr)
		if err != nil {
			return nil, err
		}

		if !priv.PublicKey.Equals(t.Nodes[n].Node.PublicKey) {
			return nil, fmt.Errorf("mls.rtn: incorrect secret for node %d", n)
		}
		t.privateKeys[n] = priv

		curr = t.pathStep(curr)
		if n == r {
			break
		}
		n = parent(n, t.size())
	}
	return curr, nil
}

///
/// Hashing
///

func (t *RatchetTree) RootHash() []byte {
	if len(t.Nodes) == 0 {
		return t.Suite.Digest(nil)
	}
	return t.hash(root(t.size()))
}

func (t *RatchetTree) hash(n nodeIndex) []byte {
	var input interface{}
	if isLeaf(n) {
		lhi := LeafNodeHashInput{NodeIndex: uint32(n)}
		if !t.Nodes[n].blank() {
			lhi.Info = &LeafNodeInfo{
				PublicKey:  t.Nodes[n].Node.PublicKey,
				Credential: *t.Nodes[n].Node.Credential,
			}
		}
		input = lhi
	} else {
		phi := ParentNodeHashInput{
			NodeIndex: uint32(n),
			LeftHash:  t.hash(left(n)),
			RightHash: t.hash(right(n, t.size())),
		}
		if !t.Nodes[n].blank() {
			phi.Info = &ParentNodeInfo{
				PublicKey:      t.Nodes[n].Node.PublicKey,
				UnmergedLeaves: t.Nodes[n].Node.UnmergedLeaves,
			}
		}
		input = phi
	}

	data, err := syntax.Marshal(input)
	if err != nil {
		panic(fmt.Errorf("mls.rtn: hash input marshal failed: %v", err))
	}
	return t.Suite.Digest(data)
}

///
/// Secrets and copies
///

func (t *RatchetTree) GetSecrets() TreeSecrets {
	ts := TreeSecrets{PrivateKeys: []nodePrivateKey{}}
	for n := nodeIndex(0); int(n) < len(t.Nodes); n++ {
		if priv, ok := t.privateKeys[n]; ok {
			ts.PrivateKeys = append(ts.PrivateKeys, nodePrivateKey{n, priv})
		}
	}
	return ts
}

func (t *RatchetTree) SetSecrets(ts TreeSecrets) error {
	t.privateKeys = map[nodeIndex]HPKEPrivateKey{}
	for _, npk := range ts.PrivateKeys {
		if int(npk.Node) >= len(t.Nodes) || t.Nodes[npk.Node].blank() {
			return fmt.Errorf("mls.rtn: private key for absent node %d", npk.Node)
		}

		if !npk.Key.PublicKey.Equals(t.Nodes[npk.Node].Node.PublicKey) {
			return fmt.Errorf("mls.rtn: private key does not match node %d", npk.Node)
		}
		t.privateKeys[npk.Node] = npk.Key
	}
	return nil
}

func (t *RatchetTree) clone() *RatchetTree {
	cloned := &RatchetTree{
		Suite:       t.Suite,
		Nodes:       make([]OptionalRatchetNode, len(t.Nodes)),
		privateKeys: make(map[nodeIndex]HPKEPrivateKey, len(t.privateKeys)),
	}

	for i, n := range t.Nodes {
		cloned.Nodes[i] = n.clone()
	}
	for n, k := range t.privateKeys {
		cloned.privateKeys[n] = k
	}
	return cloned
}

func (t *RatchetTree) Equals(o *RatchetTree) bool {
	if len(t.Nodes) != len(o.Nodes) {
		return false
	}

	for i := range t.Nodes {
		if !t.Nodes[i].Equals(o.Nodes[i]) {
			return false
		}
	}
	return true
}

func (t *RatchetTree) ensureInit(n nodeIndex) {
	if t.Nodes[n].blank() {
		t.Nodes[n].Node = &RatchetTreeNode{UnmergedLeaves: []leafIndex{}}
	}
}

func (t *RatchetTree) setPublic(n nodeIndex, pub HPKEPublicKey) {
	t.Nodes[n].Node.PublicKey = pub
	t.Nodes[n].Node.UnmergedLeaves = []leafIndex{}
}

func (t *RatchetTree) setPrivate(n nodeIndex, priv HPKEPrivateKey) {
	t.privateKeys[n] = priv
	t.setPublic(n, priv.PublicKey)
}
