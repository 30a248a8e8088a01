package crawler

const sampleRSS = `<?xml version="1.0" encoding="utf-8"?>
<rss xmlns:atom="http://www.w3.org/2005/Atom" xmlns:nyaa="https://nyaa.si/xmlns/nyaa" version="2.0">
  <channel>
    <title>Nyaa - "frieren" - Torrent File RSS</title>
    <item>
      <title>[SubsPlease] Frieren - 05 (1080p) [ABCD1234].mkv</title>
      <link>https://nyaa.si/download/12345.torrent</link>
      <guid isPermaLink="true">https://nyaa.si/view/12345</guid>
      <pubDate>Fri, 06 Oct 2023 15:31:02 -0400</pubDate>
      <nyaa:seeders>120</nyaa:seeders>
      <nyaa:leechers>7</nyaa:leechers>
      <nyaa:infoHash>0123456789ABCDEF0123456789ABCDEF01234567</nyaa:infoHash>
      <nyaa:size>1.4 GiB</nyaa:size>
      <description><![CDATA[<a href="https://nyaa.si/view/12345">#12345</a>]]></description>
    </item>
    <item>
      <title>Frieren - 06 4K</title>
      <link>https://nyaa.si/download/12346.torrent</link>
      <pubDate>not a date</pubDate>
      <nyaa:magnetUrl>magnet:?xt=urn:btih:FEDCBA9876543210FEDCBA9876543210FEDCBA98&amp;dn=x</nyaa:magnetUrl>
      <description>[Erai-raws] batch</description>
    </item>
    <item>
      <title></title>
      <link>https://nyaa.si/download/1.torrent</link>
    </item>
  </channel>
</rss>`

const emptyRSS = `<?xml version="1.0" encoding="utf-8"?>
<rss xmlns:nyaa="https://nyaa.si/" version="2.0"><channel><title>empty</title></channel></rss>`

const sampleHTML = `<html><body>
<table class="table torrent-list">
  <thead><tr><th>Category</th><th>Name</th><th>Link</th><th>Size</th><th>Date</th><th>S</th><th>L</th><th>C</th></tr></thead>
  <tbody>
    <tr class="success">
      <td><a href="/?c=1_2">Anime</a></td>
      <td colspan="2">
        <a href="/view/999#comments" class="comments">3</a>
        <a href="/view/999" title="[Judas] Frieren - 07 [720p]">[Judas] Frieren - 07 [720p]</a>
      </td>
      <td class="text-center">
        <a href="/download/999.torrent"><i class="fa fa-download"></i></a>
        <a href="magnet:?xt=urn:btih:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA&amp;dn=frieren"><i class="fa fa-magnet"></i></a>
      </td>
      <td class="text-center">700.2 MiB</td>
      <td class="text-center" data-timestamp="1696620662">2023-10-06 19:31</td>
      <td class="text-center">42</td>
      <td class="text-center">n/a</td>
      <td class="text-center">100</td>
    </tr>
    <tr>
      <td></td>
      <td colspan="2"></td>
    </tr>
  </tbody>
</table>
</body></html>`

const shellHTML = `<html><head><script src="/challenge-platform/a.js"></script></head><body><div id="app"></div></body></html>`
